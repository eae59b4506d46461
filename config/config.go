// Package config 负责服务端配置：YAML 文件 + 默认值 + 校验。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trustno1/protocol"
)

// EnvDBPath 覆盖存储路径的环境变量
const EnvDBPath = "TN1_DB_PATH"

type Config struct {
	Listen      string `yaml:"listen"`
	AdminListen string `yaml:"admin_listen"`

	TickRate       int `yaml:"tick_rate"`
	BroadcastEvery int `yaml:"broadcast_every"`
	SaveEveryTicks int `yaml:"save_every_ticks"`

	// 连接存活：超过时长无任何入站消息则断开，0 表示不限制
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	SendQueue int       `yaml:"send_queue"`
	InputRate InputRate `yaml:"input_rate"`

	Physics Physics `yaml:"physics"`
	Store   Store   `yaml:"store"`
	Log     Log     `yaml:"log"`
}

// InputRate 每连接 PlayerInput 令牌桶
type InputRate struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Physics 运动与反作弊参数，可通过管理接口热更新
type Physics struct {
	Gravity      float64       `yaml:"gravity" json:"gravity"`
	BaseSpeed    float64       `yaml:"base_speed" json:"base_speed"`
	SprintSpeed  float64       `yaml:"sprint_speed" json:"sprint_speed"`
	JumpVelocity float64       `yaml:"jump_velocity" json:"jump_velocity"`
	JumpBuffer   float64       `yaml:"jump_buffer" json:"jump_buffer"`
	Decay        float64       `yaml:"decay" json:"decay"`
	MaxSpeed     float64       `yaml:"max_speed" json:"max_speed"`
	SafeSpeed    float64       `yaml:"safe_speed" json:"safe_speed"`
	WorldBounds  float64       `yaml:"world_bounds" json:"world_bounds"`
	FallLimit    float64       `yaml:"fall_limit" json:"fall_limit"`
	Spawn        protocol.Vec3 `yaml:"spawn" json:"spawn"`
	Respawn      protocol.Vec3 `yaml:"respawn" json:"respawn"`
	MaxHealth    float64       `yaml:"max_health" json:"max_health"`
}

type Store struct {
	Disabled   bool          `yaml:"disabled"`
	Path       string        `yaml:"path"`
	JournalDir string        `yaml:"journal_dir"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	OpTimeout  time.Duration `yaml:"op_timeout"`
}

type Log struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultPhysics 默认运动参数
func DefaultPhysics() Physics {
	return Physics{
		Gravity:      20.0,
		BaseSpeed:    7.0,
		SprintSpeed:  10.5,
		JumpVelocity: 8.0,
		JumpBuffer:   0.15,
		Decay:        0.8,
		MaxSpeed:     50,
		SafeSpeed:    20,
		WorldBounds:  50,
		FallLimit:    -50,
		Spawn:        protocol.Vec3{X: 0, Y: 1, Z: 0},
		Respawn:      protocol.Vec3{X: 0, Y: 5, Z: 0},
		MaxHealth:    100,
	}
}

// Default 返回全部字段的默认值
func Default() Config {
	return Config{
		Listen:         fmt.Sprintf(":%d", protocol.DefaultPort),
		AdminListen:    ":8080",
		TickRate:       protocol.TickRate,
		BroadcastEvery: 2,
		SaveEveryTicks: 600,
		IdleTimeout:    30 * time.Second,
		AuthTimeout:    10 * time.Second,
		SendQueue:      256,
		InputRate:      InputRate{PerSecond: 120, Burst: 30},
		Physics:        DefaultPhysics(),
		Store: Store{
			Path:       "data/trustno1.db",
			JournalDir: "data/journal",
			SessionTTL: 24 * time.Hour,
			OpTimeout:  5 * time.Second,
		},
		Log: Log{
			File:       "server.log",
			Level:      "info",
			Console:    true,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load 读取 YAML 配置，未出现的字段保留默认值。
// 文件不存在时返回默认值和 os.ErrNotExist，调用方决定是否接受。
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyEnv()
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if p := strings.TrimSpace(os.Getenv(EnvDBPath)); p != "" {
		c.Store.Path = p
	}
}

// TickInterval 固定 Tick 周期
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// Validate 校验配置的取值范围
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.TickRate <= 0 || c.TickRate > 1000 {
		errs = append(errs, fmt.Errorf("tick_rate %d out of range (1..1000)", c.TickRate))
	}
	if c.BroadcastEvery <= 0 {
		errs = append(errs, fmt.Errorf("broadcast_every must be positive, got %d", c.BroadcastEvery))
	}
	if c.SaveEveryTicks < 0 {
		errs = append(errs, fmt.Errorf("save_every_ticks must not be negative"))
	}
	if c.SendQueue <= 0 {
		errs = append(errs, fmt.Errorf("send_queue must be positive, got %d", c.SendQueue))
	}
	if c.IdleTimeout < 0 || c.AuthTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if err := c.Physics.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !c.Store.Disabled && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path must be set unless store.disabled"))
	}
	return errors.Join(errs...)
}

// Validate 校验运动参数
func (p Physics) Validate() error {
	switch {
	case p.Gravity <= 0:
		return fmt.Errorf("physics.gravity must be positive, got %v", p.Gravity)
	case p.BaseSpeed <= 0 || p.SprintSpeed < p.BaseSpeed:
		return fmt.Errorf("physics: need 0 < base_speed <= sprint_speed, got %v/%v", p.BaseSpeed, p.SprintSpeed)
	case p.Decay < 0 || p.Decay >= 1:
		return fmt.Errorf("physics.decay must be in [0,1), got %v", p.Decay)
	case p.SafeSpeed <= 0 || p.MaxSpeed < p.SafeSpeed:
		return fmt.Errorf("physics: need 0 < safe_speed <= max_speed, got %v/%v", p.SafeSpeed, p.MaxSpeed)
	case p.WorldBounds <= 0:
		return fmt.Errorf("physics.world_bounds must be positive, got %v", p.WorldBounds)
	case p.FallLimit >= 0:
		return fmt.Errorf("physics.fall_limit must be below the ground plane, got %v", p.FallLimit)
	case p.JumpBuffer < 0 || p.JumpVelocity < 0:
		return errors.New("physics: jump parameters must not be negative")
	case p.MaxHealth <= 0:
		return fmt.Errorf("physics.max_health must be positive, got %v", p.MaxHealth)
	}
	return nil
}
