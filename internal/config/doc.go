// Package config handles configuration loading for chatline.
//
// # Overview
//
// Configuration is loaded from a YAML (or TOML, by file extension) file with
// environment variable expansion. A .env file next to the config file, or in the
// working directory, is loaded first so secrets can live outside the config.
//
// # Environment Variable Expansion
//
//	provider:
//	  access_token: "${WHATSAPP_TOKEN}"
//	  phone_number_id: "${WHATSAPP_PHONE_NUMBER_ID}"
//	  verify_token: "${VERIFY_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"            # sqlite or postgres
//	  path: "./chatline.db"       # sqlite
//	  dsn: "postgres://..."       # postgres
//
//	media:
//	  dir: "./uploads"
//	  public_base_url: "https://chat.example.com"
//	  max_upload_bytes: 26214400
//
//	provider:
//	  api_base: "https://graph.facebook.com/v19.0"
//	  timeout: "15s"
//	  app_secret: "${WHATSAPP_APP_SECRET}"   # enables X-Hub-Signature-256 checks
//
//	webhook:
//	  dedupe_ttl: "24h"
//	  dedupe_max_entries: 10000
//	  redis_url: ""               # shared replay guard across replicas
//
//	realtime:
//	  app_sender_id: "mi-app"
//
//	auth:
//	  jwt_secret: "${CHATLINE_JWT_SECRET}"   # empty disables the principal check
//
//	tailscale:
//	  enabled: false
//	  hostname: "chatline"
//	  funnel: true                # public HTTPS for provider media fetches
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
