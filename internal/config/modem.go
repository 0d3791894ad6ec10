package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	ini "github.com/vaughan0/go-ini"

	"github.com/pentagridsec/smsgate/internal/logging"
	"github.com/pentagridsec/smsgate/internal/sms"
)

// Encoding selects how USSD codes are passed to a modem.
type Encoding string

const (
	EncodingGSM  Encoding = "GSM"
	EncodingUCS2 Encoding = "UCS2"
)

// SelfTestInterval values accepted for the SMS loopback schedule.
const (
	SelfTestDaily   = "daily"
	SelfTestWeekly  = "weekly"
	SelfTestMonthly = "monthly"
)

// ModemConfig describes one SIM card section. Port may end in "*"; the
// worker then globs for candidates and identifies the device by IMEI.
type ModemConfig struct {
	Identifier          string
	Enabled             bool
	Baud                int
	Port                string
	PIN                 string
	WaitForStart        time.Duration
	WaitForDelivery     bool
	PhoneNumber         string
	BalanceUSSD         string
	BalanceRegexp       string
	Currency            string
	BalanceWarning      float64
	BalanceCritical     float64
	Prefixes            []string
	CostsPerSMS         float64
	HealthCheckInterval time.Duration
	SelfTestInterval    string
	IMEI                string
	Encoding            Encoding
	EmailAddress        string
}

// LoadModems reads the SIM card configuration file. Each section becomes
// one ModemConfig; selfTestInterval is the pool-wide schedule from the
// main configuration. Sections are returned in sorted identifier order.
func LoadModems(path string, selfTestInterval string) ([]*ModemConfig, error) {
	file, err := ini.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read SIM config file: %w", err)
	}

	var identifiers []string
	for name := range file {
		if name != "" {
			identifiers = append(identifiers, name)
		}
	}
	sort.Strings(identifiers)

	configs := make([]*ModemConfig, 0, len(identifiers))
	for _, identifier := range identifiers {
		mc := readModemConfig(file, identifier, selfTestInterval)
		if err := mc.Verify(); err != nil {
			return nil, fmt.Errorf("SIM section [%s]: %w", identifier, err)
		}
		configs = append(configs, mc)
	}
	return configs, nil
}

func readModemConfig(f ini.File, identifier, selfTestInterval string) *ModemConfig {
	return &ModemConfig{
		Identifier:          identifier,
		Enabled:             getBool(f, identifier, "enabled", true),
		Baud:                getInt(f, identifier, "baud", 115200),
		Port:                getString(f, identifier, "port", ""),
		PIN:                 getString(f, identifier, "pin", ""),
		WaitForStart:        time.Duration(getInt(f, identifier, "wait_for_start", 60)) * time.Second,
		WaitForDelivery:     getBool(f, identifier, "wait_for_delivery", false),
		PhoneNumber:         getString(f, identifier, "phone_number", ""),
		BalanceUSSD:         getString(f, identifier, "ussd_account_balance", ""),
		BalanceRegexp:       getString(f, identifier, "ussd_account_balance_regexp", ""),
		Currency:            getString(f, identifier, "currency", "EUR"),
		BalanceWarning:      getFloat(f, identifier, "account_balance_warning", 5),
		BalanceCritical:     getFloat(f, identifier, "account_balance_critical", 1),
		Prefixes:            strings.Fields(getString(f, identifier, "prefixes", "")),
		CostsPerSMS:         getFloat(f, identifier, "costs_per_sms", 0),
		HealthCheckInterval: time.Duration(getInt(f, identifier, "health_check_interval", 600)) * time.Second,
		SelfTestInterval:    selfTestInterval,
		IMEI:                getString(f, identifier, "imei", ""),
		Encoding:            Encoding(getString(f, identifier, "encoding", string(EncodingGSM))),
		EmailAddress:        getString(f, identifier, "email_address", ""),
	}
}

// Verify checks the shape of the configuration. A disabled modem passes
// without further checks. Soft problems are logged as warnings; hard
// problems make the gateway refuse to start.
func (c *ModemConfig) Verify() error {
	if !c.Enabled {
		return nil
	}

	log := logging.Component("config/" + c.Identifier)

	if c.BalanceCritical > c.BalanceWarning {
		return fmt.Errorf("account balance threshold for critical larger than warning threshold")
	}

	// Catch PIN typos here instead of at the SIM, where a wrong entry
	// risks locking the card.
	for _, r := range c.PIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("SIM PIN %q is not numeric", c.PIN)
		}
	}

	for _, prefix := range c.Prefixes {
		if sms.CleanPhoneNumber(prefix) == "" {
			return fmt.Errorf("prefix %q is not valid", prefix)
		}
	}

	if c.HealthCheckInterval <= 60*time.Second {
		log.Warn().Msg("It is not recommended to perform health checks too often.")
	}

	if sms.CleanPhoneNumber(c.PhoneNumber) == "" {
		return fmt.Errorf("phone number %q is not valid", c.PhoneNumber)
	}

	if c.BalanceUSSD == "" {
		log.Warn().Msg("No USSD definition for checking account balance defined.")
	} else if c.BalanceRegexp == "" {
		log.Warn().Msg("There is no regular expression defined to extract the account balance from the USSD response.")
	}

	switch c.SelfTestInterval {
	case SelfTestDaily, SelfTestWeekly, SelfTestMonthly:
	default:
		return fmt.Errorf("SMS self test interval %q cannot be parsed", c.SelfTestInterval)
	}

	switch c.Encoding {
	case EncodingGSM, EncodingUCS2:
	default:
		return fmt.Errorf("encoding %q is not supported", c.Encoding)
	}

	if strings.Contains(c.Port, "*") && c.IMEI == "" {
		return fmt.Errorf("no fixed serial port set and the expected IMEI is not specified")
	}

	return nil
}

// WildcardPort reports whether the port spec needs glob resolution.
func (c *ModemConfig) WildcardPort() bool {
	return strings.Contains(c.Port, "*")
}
