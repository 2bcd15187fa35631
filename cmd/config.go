/*
Copyright 2024 Paylane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/paylane/paylane/config"
	"github.com/spf13/cobra"
)

// configCommands prints the computed configuration with secrets masked.
func configCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instances computed configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Fetch()
			if err != nil {
				log.Fatalf("Error getting config: %v\n", err)
			}

			masked := *cfg
			if masked.Server.SecretKey != "" {
				masked.Server.SecretKey = "********"
			}
			masked.Gateways = make([]config.GatewayProviderConfig, len(cfg.Gateways))
			for i, g := range cfg.Gateways {
				if g.ApiKey != "" {
					g.ApiKey = "********"
				}
				if g.WebhookSecret != "" {
					g.WebhookSecret = "********"
				}
				masked.Gateways[i] = g
			}

			data, err := json.MarshalIndent(masked, "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
