// Package config handles configuration loading for cobrai-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable expansion.
// Defaults are applied after parsing and Validate reports the first problem.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COBRAI_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/cobrai/gateway.yaml
//  3. ~/.config/cobrai/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	whatsapp:
//	  access_token: "${WHATSAPP_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # webhook, health and admin API
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health service (optional)
//
//	whatsapp:
//	  enabled: true
//	  access_token: "${WHATSAPP_TOKEN}"
//	  verify_token: "${WHATSAPP_VERIFY_TOKEN}"
//	  app_secret: "${WHATSAPP_APP_SECRET}"
//	  api_version: "v15.0"
//
//	matrix:
//	  enabled: false
//	  homeserver: "https://matrix.org"
//	  user_id: "@cobrai:matrix.org"
//	  access_token: "${MATRIX_TOKEN}"
//	  allowed_rooms: []   # empty answers every joined room
//	  typing: true
//
//	model:
//	  base_url: "https://api.awanllm.com/v1"
//	  api_key: "${MODEL_API_KEY}"
//	  model: "Meta-Llama-3-8B-Instruct"
//	  temperature: 0.7
//	  top_p: 0.9
//	  max_tokens: 1024
//	  timeout: "30s"
//
//	transcription:
//	  model: "whisper-1"
//	  language: "pt-BR"
//
//	sessions:
//	  reset_schedule: "0 4 * * *"
//
//	database:
//	  path: "/var/lib/cobrai/ledger.db"   # empty disables the ledger
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  redact_users: true
//	  redact_key: "${COBRAI_REDACT_KEY}"  # empty means a new key each start
//
// # Duration Parsing
//
// Duration values (model.timeout, dedupe.ttl) use time.ParseDuration syntax.
package config
