package main

import (
	"encoding/hex"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/himscore/statesync"
	"github.com/himscore/statesync/internal/effects"
	"github.com/himscore/statesync/internal/state"
)

type config struct {
	Platform  string `env:"STATESYNC_PLATFORM"`
	DSN       string `env:"STATESYNC_DSN"`
	DataDir   string `env:"STATESYNC_DATA_DIR"`
	SecureKey string `env:"STATESYNC_SECURE_KEY"`

	Namespace string   `env:"STATESYNC_NAMESPACE" envDefault:"statesyncd"`
	Whitelist []string `env:"STATESYNC_WHITELIST"`
	Blacklist []string `env:"STATESYNC_BLACKLIST"`
	Version   int      `env:"STATESYNC_VERSION" envDefault:"1"`

	BaseURL    string        `env:"STATESYNC_BASE_URL"`
	Token      string        `env:"STATESYNC_TOKEN"`
	StreamURL  string        `env:"STATESYNC_STREAM_URL"`
	Timeout    time.Duration `env:"STATESYNC_TIMEOUT"`
	MaxRetries int           `env:"STATESYNC_MAX_RETRIES"`
	BaseDelay  time.Duration `env:"STATESYNC_BASE_DELAY"`
	MaxDelay   time.Duration `env:"STATESYNC_MAX_DELAY"`

	// Domains maps intent domains to REST paths, e.g.
	// "patients=/api/patients,records=/api/records".
	Domains       map[string]string `env:"STATESYNC_DOMAINS"`
	FetchInterval time.Duration     `env:"STATESYNC_FETCH_INTERVAL" envDefault:"5m"`

	Debug bool `env:"STATESYNC_DEBUG"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse environment: %v", err)
	}
	if len(cfg.Domains) == 0 {
		cfg.Domains = map[string]string{"patients": "/api/patients"}
	}
	if len(cfg.Whitelist) == 0 {
		cfg.Whitelist = domainNames(cfg.Domains)
	}

	var secureKey []byte
	if cfg.SecureKey != "" {
		decoded, err := hex.DecodeString(cfg.SecureKey)
		if err != nil {
			log.Fatalf("STATESYNC_SECURE_KEY must be hex: %v", err)
		}
		secureKey = decoded
	}

	store, err := statesync.CreateStore(statesync.Config{
		Slices:       domainSlices(cfg.Domains),
		PlatformHint: cfg.Platform,
		StorageDSN:   cfg.DSN,
		DataDir:      cfg.DataDir,
		SecureKey:    secureKey,
		Namespace:    cfg.Namespace,
		Whitelist:    cfg.Whitelist,
		Blacklist:    cfg.Blacklist,
		Version:      cfg.Version,
		BaseURL:      cfg.BaseURL,
		Timeout:      cfg.Timeout,
		MaxRetries:   cfg.MaxRetries,
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		Domains:      domainBindings(cfg.Domains),
		StreamURL:    cfg.StreamURL,
		Debug:        cfg.Debug,
	})
	if err != nil {
		log.Fatalf("create store: %v", err)
	}
	defer store.Close()

	if cfg.Token != "" && store.Credentials() != nil {
		store.Credentials().Set(cfg.Token)
	}

	<-store.Rehydrated()
	log.Printf("statesyncd running on %s storage, domains %s",
		store.Backend(), strings.Join(domainNames(cfg.Domains), ","))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if cfg.BaseURL == "" {
		<-stop
		log.Printf("shutting down")
		return
	}

	ticker := time.NewTicker(cfg.FetchInterval)
	defer ticker.Stop()

	fetchAll(store, cfg.Domains)
	for {
		select {
		case <-ticker.C:
			fetchAll(store, cfg.Domains)
		case sig := <-stop:
			log.Printf("received %s, shutting down", sig)
			return
		}
	}
}

func fetchAll(store *statesync.Store, domains map[string]string) {
	for domain := range domains {
		store.DispatchIntent(domain, effects.OpFetch, nil)
	}
}

// domainSlices builds one list-valued slice per domain that tracks the
// latest fetch result and merges update results by id.
func domainSlices(domains map[string]string) []state.Slice {
	slices := make([]state.Slice, 0, len(domains))
	for domain := range domains {
		slices = append(slices, state.Slice{
			Name:    domain,
			Initial: []any{},
			Reduce: func(current any, action state.Action) any {
				switch action.Type {
				case effects.SucceededType(domain, effects.OpFetch):
					if list, ok := action.Payload.([]any); ok {
						return list
					}
					if body, ok := action.Payload.(map[string]any); ok {
						if list, ok := body[domain].([]any); ok {
							return list
						}
					}
					return current
				case effects.SucceededType(domain, effects.OpCreate),
					effects.SucceededType(domain, effects.OpUpdate):
					return mergeByID(current, action.Payload)
				default:
					return current
				}
			},
		})
	}
	return slices
}

func mergeByID(current, payload any) any {
	entry, ok := payload.(map[string]any)
	if !ok {
		return current
	}
	list, _ := current.([]any)
	next := make([]any, 0, len(list)+1)
	replaced := false
	for _, item := range list {
		if existing, ok := item.(map[string]any); ok && existing["id"] == entry["id"] {
			next = append(next, entry)
			replaced = true
			continue
		}
		next = append(next, item)
	}
	if !replaced {
		next = append(next, entry)
	}
	return next
}

func domainBindings(domains map[string]string) []statesync.DomainBinding {
	bindings := make([]statesync.DomainBinding, 0, len(domains))
	for domain, path := range domains {
		bindings = append(bindings, statesync.DomainBinding{Domain: domain, Path: path})
	}
	return bindings
}

func domainNames(domains map[string]string) []string {
	names := make([]string, 0, len(domains))
	for domain := range domains {
		names = append(names, domain)
	}
	return names
}
