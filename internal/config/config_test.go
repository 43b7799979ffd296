package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}

	if cfg.App.Environment != "test" {
		t.Errorf("environment 未生效: %s", cfg.App.Environment)
	}
	if cfg.Server.Port != 15555 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server 默认值错误: %+v", cfg.Server)
	}
	if cfg.Trade.Magic != 123456 || cfg.Trade.Deviation != 10 || cfg.Trade.Comment != "mt5-bridge" {
		t.Errorf("trade 默认值错误: %+v", cfg.Trade)
	}
	if cfg.Broker.Name != "sim" || cfg.Broker.Retry.MaxAttempts != 5 {
		t.Errorf("broker 默认值错误: %+v", cfg.Broker)
	}
	if cfg.Broker.Retry.MinDelay != 500*time.Millisecond {
		t.Errorf("时长字段未解析: %v", cfg.Broker.Retry.MinDelay)
	}
	if cfg.Server.Addr() != "tcp://127.0.0.1:15555" {
		t.Errorf("绑定地址错误: %s", cfg.Server.Addr())
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 25555
  handler_timeout: 3s
trade:
  magic: 888
broker:
  name: binanceusdm
  api_key: k
  api_secret: s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}
	if cfg.Server.Addr() != "tcp://0.0.0.0:25555" {
		t.Errorf("绑定地址错误: %s", cfg.Server.Addr())
	}
	if cfg.Server.HandlerTimeout != 3*time.Second {
		t.Errorf("handler_timeout 未解析: %v", cfg.Server.HandlerTimeout)
	}
	if cfg.Trade.Magic != 888 {
		t.Errorf("magic 覆盖失败: %d", cfg.Trade.Magic)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("不存在的配置文件应当报错")
	}
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}

	cfg.Trade.Magic = 0
	cfg.Server.Port = 0
	cfg.Broker.Name = "nope"

	err = cfg.Validate()
	if err == nil {
		t.Fatal("非法配置应当校验失败")
	}
	msg := err.Error()
	for _, want := range []string{"trade.magic", "server.port", "broker.name"} {
		if !strings.Contains(msg, want) {
			t.Errorf("校验错误应包含 %s: %s", want, msg)
		}
	}
}

func TestValidateLiveBrokerNeedsKeys(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}

	cfg.Broker.Name = "binanceusdm"
	if err := cfg.Validate(); err == nil {
		t.Fatal("缺少密钥的实盘通道应当校验失败")
	}

	cfg.Broker.APIKey = "k"
	cfg.Broker.APISecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("补全密钥后应当通过校验: %v", err)
	}
}
