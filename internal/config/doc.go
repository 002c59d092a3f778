// Package config handles configuration loading for agentchat.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from AGENTCHAT_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/agentchat/config.yaml (or ~/.config/agentchat/config.yaml)
//
// A .env file next to the config file and one in the working directory are
// loaded before parsing. Variables already present in the environment win.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${AGENTCHAT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health only
//
//	database:
//	  driver: "sqlite"              # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "./data/agentchat.db"
//
//	auth:
//	  jwt_secret: "${AGENTCHAT_JWT_SECRET}"
//	  token_ttl: "168h"
//	  allow_guests: true
//
//	credits:
//	  free_messages_per_agent: 3
//
//	assistant:
//	  provider: "openai"            # openai or completion
//	  api_key: "${OPENAI_API_KEY}"
//	  poll_interval: "1500ms"
//	  poll_timeout: "120s"
//	  stream: false
//
//	relay:
//	  history_page_size: 50
//	  dedupe_ttl: "5m"
//	  send_rate: 1
//	  send_burst: 5
//	  guest_message_limit: 3
//
//	payments:
//	  key_secret: "${PAYMENT_KEY_SECRET}"
//
//	maintenance:
//	  schedule: "*/15 * * * *"
//	  archive_after: "720h"
//	  payment_expiry: "24h"
//
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text, json
package config
