package app

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/exp/slices"
)

type ExportCmd struct {
	ToFile string `arg:"-f,--tofile" help:"write to file instead of stdout"`
}

type ImportCmd struct {
	FromFile []string `arg:"-f,--fromfile,separate" help:"read from files instead of stdin (can use flag repeatedly for multiple files)"`
}

type InitCfg struct{}

type Config struct {
	ExportCmd   *ExportCmd `arg:"subcommand:export" json:"-" help:"export database as line structured JSON"`
	ImportCmd   *ImportCmd `arg:"subcommand:import" json:"-" help:"import data from line structured JSON"`
	InitCfgCmd  *InitCfg   `arg:"subcommand:initcfg" json:"-" help:"initialize node configuration files"`
	Listen      string     `arg:"-l,--listen" default:"0.0.0.0:3334" json:"listen" validate:"required,hostname_port" help:"network address to listen on"`
	URL         string     `arg:"-u,--url" default:"wss://localhost:3334" json:"url" validate:"required,url" help:"public websocket address of this node, quoted in registration responses"`
	Profile     string     `arg:"-p,--profile" json:"-" default:"federatr" help:"profile name to use for storage"`
	Name        string     `arg:"-n,--name" json:"name" default:"federatr bridge" help:"name of relay for NIP-11"`
	Description string     `arg:"-d,--description" json:"description" help:"description of relay for NIP-11"`
	Contact     string     `arg:"-c,--contact" json:"contact,omitempty" help:"non-nostr operator contact details"`
	Icon        string     `arg:"-i,--icon" json:"icon" validate:"omitempty,url" help:"icon to show on relay information pages"`
	SecKey      string     `arg:"-s,--seckey" json:"seckey" validate:"omitempty,hexadecimal,len=64" help:"administrative identity key, signs user records, registration responses and wallet requests"`
	// Peers are the relays federated queries go to and deletions are
	// forwarded to.
	Peers []string `arg:"-P,--peer,separate" json:"peers" validate:"dive,url" help:"peer relay to federate with (can use flag repeatedly)"`
	// CacheSize is the number of recent events held in memory.
	CacheSize     int `arg:"--cachesize" json:"cache_size" default:"3000" validate:"gte=0" help:"number of recently encountered events kept in memory"`
	VerifyWorkers int `arg:"--verifiers" json:"verify_workers" default:"0" validate:"gte=0" help:"concurrent signature checks, 0 for one per CPU"`
	// FreshWindow is how close to now an event's timestamp must be for it to
	// be pushed to live subscribers or forwarded to peers.
	FreshWindow time.Duration `arg:"--fresh" json:"fresh_window" default:"10s" validate:"gt=0" help:"age limit for live delivery"`
	MaxConns    int           `arg:"--maxconns" json:"max_conns" default:"1024" validate:"gt=0" help:"maximum simultaneous connections"`
	// RateLimit and Burst bound EVENT messages per connection per second.
	RateLimit float64 `arg:"--ratelimit" json:"rate_limit" default:"20" validate:"gt=0" help:"events per second accepted from one connection"`
	Burst     int     `arg:"--burst" json:"burst" default:"40" validate:"gt=0" help:"burst of events accepted from one connection"`
	Tracing   string  `arg:"--tracing" json:"tracing" validate:"omitempty,oneof=stdout none" help:"trace exporter [stdout,none], empty disables tracing"`
	LogLevel  string  `arg:"--loglevel" default:"info" help:"set log level [off,fatal,error,warn,info,debug,trace] (can also use GODEBUG environment variable)"`
}

// Validate checks field constraints.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.New("nil config")
	}
	return validator.New().Struct(c)
}

func (c *Config) Save(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot save nil relay config")
		log.E.Ln(err)
		return
	}
	var b []byte
	if b, err = json.MarshalIndent(c, "", "    "); chk.E(err) {
		return
	}
	if err = os.WriteFile(filename, b, 0600); chk.E(err) {
		return
	}
	return
}

func (c *Config) Load(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot load into nil config")
		chk.E(err)
		return
	}
	var b []byte
	if b, err = os.ReadFile(filename); chk.E(err) {
		return
	}
	if err = json.Unmarshal(b, c); chk.E(err) {
		return
	}
	return
}

// Merge fills c from a saved configuration: saved scalar settings replace
// the command line defaults and saved peers are added to any given on the
// command line.
func (c *Config) Merge(saved *Config) {
	str := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	str(&c.Listen, saved.Listen)
	str(&c.URL, saved.URL)
	str(&c.Name, saved.Name)
	str(&c.Description, saved.Description)
	str(&c.Contact, saved.Contact)
	str(&c.Icon, saved.Icon)
	str(&c.SecKey, saved.SecKey)
	str(&c.Tracing, saved.Tracing)
	for _, p := range saved.Peers {
		if !slices.Contains(c.Peers, p) {
			c.Peers = append(c.Peers, p)
		}
	}
	if saved.CacheSize > 0 {
		c.CacheSize = saved.CacheSize
	}
	if saved.VerifyWorkers > 0 {
		c.VerifyWorkers = saved.VerifyWorkers
	}
	if saved.FreshWindow > 0 {
		c.FreshWindow = saved.FreshWindow
	}
	if saved.MaxConns > 0 {
		c.MaxConns = saved.MaxConns
	}
	if saved.RateLimit > 0 {
		c.RateLimit = saved.RateLimit
	}
	if saved.Burst > 0 {
		c.Burst = saved.Burst
	}
}
