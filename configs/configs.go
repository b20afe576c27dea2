package configs

import "github.com/spf13/viper"

type Conf struct {
	DBDriver       string `mapstructure:"DB_DRIVER"`
	DBHost         string `mapstructure:"DB_HOST"`
	DBPort         string `mapstructure:"DB_PORT"`
	DBUser         string `mapstructure:"DB_USER"`
	DBPassword     string `mapstructure:"DB_PASSWORD"`
	DBName         string `mapstructure:"DB_NAME"`
	RedisHost      string `mapstructure:"REDIS_HOST"`
	RedisPort      string `mapstructure:"REDIS_PORT"`
	AMQPort        string `mapstructure:"AMQ_PORT"`
	OtelCollector  string `mapstructure:"OTEL_COLLECTOR"`
	RelayBatchSize int    `mapstructure:"RELAY_BATCH_SIZE"`
	RelayWorkers   int    `mapstructure:"RELAY_WORKERS"`
}

func LoadConfig(path string) (*Conf, error) {
	var cfg *Conf

	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("RELAY_BATCH_SIZE", 100)
	viper.SetDefault("RELAY_WORKERS", 10)

	err := viper.ReadInConfig()
	if err != nil {
		return nil, err
	}

	err = viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}
