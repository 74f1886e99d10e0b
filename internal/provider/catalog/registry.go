package catalog

import (
	"log"

	"github.com/pysugar/ledgersync/internal/provider"
	"github.com/pysugar/ledgersync/internal/provider/aggregator"
)

// Register builds a client for every runtime-enabled provider and adds it to
// reg. It returns the IDs that were registered.
func Register(reg *provider.Registry) []string {
	var registered []string
	for _, info := range GetProviders() {
		if !info.RuntimeEnabled {
			if info.Enabled {
				log.Printf("⚠️ Provider %s is enabled but missing base_url/token_url/client_id, skipping", info.ID)
			}
			continue
		}
		_, secrets, timeout, _ := GetRuntimeProvider(info.ID)
		client, err := aggregator.New(aggregator.Config{
			Name:         info.ID,
			BaseURL:      info.BaseURL,
			AuthURL:      info.AuthURL,
			TokenURL:     info.TokenURL,
			ClientID:     info.ClientID,
			ClientSecret: secrets.ClientSecret,
			RedirectURL:  info.RedirectURL,
			Scopes:       info.Scopes,
			Timeout:      timeout,
		})
		if err != nil {
			log.Printf("❌ Provider %s: %v", info.ID, err)
			continue
		}
		reg.Register(info.ID, client)
		registered = append(registered, info.ID)
	}
	return registered
}
