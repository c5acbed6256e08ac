package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ziqiyuan/innflow/booking"
	"github.com/ziqiyuan/innflow/bootstrap"
	"github.com/ziqiyuan/innflow/notify"
	"github.com/ziqiyuan/innflow/payment"
	"github.com/ziqiyuan/innflow/room"
)

func main() {
	var module string
	flag.StringVar(&module, "module", "", "assign run module: booking, room, payment, notify, init")
	flag.Parse()

	if module == "" {
		fmt.Println("error: module param required! Available: booking, room, payment, notify, init")
		os.Exit(1)
	}

	fmt.Printf("🚀 Starting InnFlow %s service...\n", module)

	// 各个组件负责自己的配置加载
	switch module {
	case "booking":
		b, err := booking.New()
		if err != nil {
			fmt.Printf("❌ Failed to start booking: %v\n", err)
			os.Exit(1)
		}
		runService(b, "booking")

	case "room":
		r, err := room.New()
		if err != nil {
			fmt.Printf("❌ Failed to start room: %v\n", err)
			os.Exit(1)
		}
		runService(r, "room")

	case "payment":
		p, err := payment.New()
		if err != nil {
			fmt.Printf("❌ Failed to start payment: %v\n", err)
			os.Exit(1)
		}
		runService(p, "payment")

	case "notify":
		n, err := notify.New()
		if err != nil {
			fmt.Printf("❌ Failed to start notify: %v\n", err)
			os.Exit(1)
		}
		runService(n, "notify")

	case "init":
		if err := bootstrap.Run(); err != nil {
			fmt.Printf("❌ Database initialization failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✅ Database initialization completed")

	default:
		fmt.Printf("error: unknown module %q! Available: booking, room, payment, notify, init\n", module)
		os.Exit(1)
	}
}

type service interface {
	Run() error
	Close() error
}

// runService 在后台跑服务主循环，收到信号后优雅关闭
func runService(s service, name string) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\n📡 Received signal %v, shutting down %s...\n", sig, name)
	case err := <-errCh:
		if err != nil {
			fmt.Printf("❌ %s error: %v\n", name, err)
		}
	}

	if err := s.Close(); err != nil {
		fmt.Printf("❌ Failed to close %s: %v\n", name, err)
		os.Exit(1)
	}
	fmt.Printf("👋 %s stopped\n", name)
}
