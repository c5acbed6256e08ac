package observability

// Config 可观测性配置
type Config struct {
	// ServiceName 上报到 Trace/Metrics 的服务名
	ServiceName string        `mapstructure:"service_name"`
	Trace       TraceConfig   `mapstructure:"trace"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// TraceConfig Trace 配置
type TraceConfig struct {
	// Disable 是否禁用 Trace（禁用后只生成 TraceID 不上报）
	Disable bool `mapstructure:"disable"`
	// Endpoint OTLP gRPC 收集器地址（如 localhost:4317）
	Endpoint string `mapstructure:"endpoint"`
	// Sampler 采样率 0.0-1.0
	Sampler float64 `mapstructure:"sampler"`
	// Insecure 是否使用非安全连接
	Insecure bool `mapstructure:"insecure"`
}

// MetricsConfig Metrics 配置
type MetricsConfig struct {
	// Port Prometheus HTTP 服务器端口
	Port int `mapstructure:"port"`
	// Path Prometheus 指标的 HTTP 路径
	Path string `mapstructure:"path"`
	// EnableRuntime 是否启用 Go Runtime 指标采集
	EnableRuntime bool `mapstructure:"enable_runtime"`
}

// DefaultConfig 返回默认配置
func DefaultConfig(serviceName string, metricsPort int) *Config {
	return &Config{
		ServiceName: serviceName,
		Trace: TraceConfig{
			Disable:  false,
			Endpoint: "localhost:4317",
			Sampler:  1.0,
			Insecure: true,
		},
		Metrics: MetricsConfig{
			Port:          metricsPort,
			Path:          "/metrics",
			EnableRuntime: true,
		},
	}
}
