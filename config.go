/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"fmt"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the process configuration, loaded with viper and validated
// with validator/v10 the way the teacher's config.go/config_validate.go
// pair does it (section-by-section ValidateBySection over struct tags).
// The CLI/config-loading layer is named out of scope for the core itself
// (spec.md §1), so this is the thin shape `cmd/dnscored` fills in and
// hands to the core's constructors — it is not consulted by any of the
// eight components directly.
type Config struct {
	Log       LogConf
	Service   ServiceConf
	DnsEngine DnsEngineConf
	Cache     CacheConf
	Zones     map[string]ZoneConf
	Tsig      map[string]TsigConf
}

type LogConf struct {
	File string `validate:"required"`
}

type ServiceConf struct {
	Name string `validate:"required"`
}

type DnsEngineConf struct {
	Addresses []string `validate:"required"`
}

type CacheConf struct {
	Capacity int `validate:"required,gt=0"`
}

// ZoneConf names a zone and, for secondaries, the primary peer it polls.
type ZoneConf struct {
	Name     string `validate:"required"`
	Type     string `validate:"required,oneof=primary secondary"`
	File     string // zone-file path, primaries only
	Primary  string // "ip:port", secondaries only
	KeyName  string
}

// TsigConf mirrors the teacher's TsigDetails (tsig_utils.go).
type TsigConf struct {
	Name      string `validate:"required"`
	Algorithm string `validate:"required"`
	Secret    string `validate:"required"`
}

// LoadConfig reads cfgfile with viper, the way the teacher's config.go
// loads a YAML config before validating it.
func LoadConfig(cfgfile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(cfgfile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("dnscore: reading config %q: %w", cfgfile, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("dnscore: unmarshalling config %q: %w", cfgfile, err)
	}
	if err := ValidateBySection(&cfg, cfgfile); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateBySection validates each named config section independently,
// grounded on the teacher's ValidateBySection (config_validate.go).
func ValidateBySection(cfg *Config, cfgfile string) error {
	validate := validator.New()

	sections := map[string]interface{}{
		"log":       cfg.Log,
		"service":   cfg.Service,
		"dnsengine": cfg.DnsEngine,
		"cache":     cfg.Cache,
	}
	for name, data := range sections {
		log.Printf("%s: validating config section %q", strings.ToUpper(cfg.Service.Name), name)
		if err := validate.Struct(data); err != nil {
			return fmt.Errorf("dnscore: config %q, section %q: missing required attributes: %w", cfgfile, name, err)
		}
	}
	for zname, zc := range cfg.Zones {
		if err := validate.Struct(zc); err != nil {
			return fmt.Errorf("dnscore: config %q, zone %q: %w", cfgfile, zname, err)
		}
	}
	for kname, tc := range cfg.Tsig {
		if err := validate.Struct(tc); err != nil {
			return fmt.Errorf("dnscore: config %q, tsig key %q: %w", cfgfile, kname, err)
		}
	}
	return nil
}
