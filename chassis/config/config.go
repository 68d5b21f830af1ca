package config

import (
	"errors"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"
)

// AppConfig ...
type AppConfig struct {
	LogLevel string `yaml:"loglevel"`
	Storage  struct {
		DSN           string `yaml:"dsn"`
		Retention     int    `yaml:"retention"`
		CleanInterval int    `yaml:"cleanInterval"`
	}
	AWS struct {
		Region             string `yaml:"region"`
		CredentialsFile    string `yaml:"credentialsFile"`
		CredentialsProfile string `yaml:"credentialsProfile"`
	}
	Queue struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Retries  int    `yaml:"readRetries"`
		WaitTime int    `yaml:"waitTime"`
	}
	Polling Polling `yaml:"polling"`
	Metrics struct {
		Addr string `yaml:"addr"`
	}
	Monkey struct {
		ErrorChance float64 `yaml:"errorChance"`
	}
	Producer struct {
		Messages  int `yaml:"messages"`
		Workers   int `yaml:"workers"`
		BatchSize int `yaml:"batchSize"`
	}
}

// Polling holds engine timings in milliseconds.
type Polling struct {
	Sleep           int  `yaml:"sleep"`
	IdleSleep       int  `yaml:"idleSleep"`
	IdleAfter       int  `yaml:"idleAfter"`
	KillAfter       int  `yaml:"killAfter"`
	AutoStop        bool `yaml:"autoStop"`
	LegacyIdleCount bool `yaml:"legacyIdleCount"`
}

// Default returns config with every optional value filled in.
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.LogLevel = "info"
	cfg.Queue.WaitTime = 1
	cfg.Storage.CleanInterval = 60
	cfg.Metrics.Addr = ":2112"
	cfg.Polling = Polling{
		Sleep:     1000,
		IdleSleep: 30000,
		IdleAfter: 10,
		KillAfter: -1,
	}
	cfg.Producer.Messages = 100
	cfg.Producer.Workers = 1
	cfg.Producer.BatchSize = 10
	return cfg
}

// Read loads the file pointed to by CFG_PATH on top of Default.
func Read() (*AppConfig, error) {
	filename := os.Getenv("CFG_PATH")
	if filename == "" {
		return nil, errors.New("CFG_PATH is not set")
	}
	buff, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(buff)
}

// Parse ...
func Parse(buff []byte) (*AppConfig, error) {
	cfg := Default()
	err := yaml.Unmarshal(buff, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
