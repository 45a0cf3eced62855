package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Policy holds venue rules that operators may tune without a restart.
type Policy struct {
	// CommandRedeliveryTimeout is how long a command may sit in sent before
	// it is offered to the device again.
	CommandRedeliveryTimeout time.Duration `mapstructure:"commandRedeliveryTimeout"`
	// LowCreditThreshold triggers a member.low_credits broadcast once a member
	// balance drops below it after a charge.
	LowCreditThreshold decimal.Decimal `mapstructure:"-"`
	LowCreditRaw       string          `mapstructure:"lowCreditThreshold"`
}

func DefaultPolicy() Policy {
	return Policy{
		CommandRedeliveryTimeout: time.Minute,
		LowCreditThreshold:       decimal.NewFromInt(1),
		LowCreditRaw:             "1",
	}
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/netcafe/config")
	v.AddConfigPath("/etc/netcafe")
	v.AddConfigPath(".")

	v.SetEnvPrefix("NETCAFE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	v.SetDefault("policy.commandRedeliveryTimeout", defaults.CommandRedeliveryTimeout)
	v.SetDefault("policy.lowCreditThreshold", defaults.LowCreditRaw)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Printf("[policy] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	return h.current.Load().(Policy)
}

func decodePolicy(v *viper.Viper) (Policy, error) {
	var cfg Policy
	if err := v.UnmarshalKey("policy", &cfg); err != nil {
		return Policy{}, err
	}
	threshold, err := decimal.NewFromString(strings.TrimSpace(cfg.LowCreditRaw))
	if err != nil {
		return Policy{}, errors.New("policy.lowCreditThreshold must be a decimal")
	}
	cfg.LowCreditThreshold = threshold
	return cfg, validatePolicy(cfg)
}

func validatePolicy(cfg Policy) error {
	if cfg.CommandRedeliveryTimeout <= 0 {
		return errors.New("policy.commandRedeliveryTimeout must be positive")
	}
	if cfg.LowCreditThreshold.IsNegative() {
		return errors.New("policy.lowCreditThreshold cannot be negative")
	}
	return nil
}
