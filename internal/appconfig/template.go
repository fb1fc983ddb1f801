package appconfig

// DefaultConfigYAML returns a commented process config matching the defaults.
func DefaultConfigYAML() string {
	return `# DeepAudit process configuration
# Generated by: deepaudit config init
# Every key can be overridden with DEEPAUDIT_<SECTION>_<KEY>, e.g. DEEPAUDIT_STORAGE_DSN.

log:
  level: info          # debug, info, warn, error
  format: json         # json or text
  output: stderr       # stderr, stdout, file
  file_path: ""        # required when output is file; rotated by size
  max_size_mb: 100
  max_backups: 10
  max_age_days: 30

risk:
  # Risk tuning file, watched for changes. Empty uses built-in defaults.
  config_path: ""

storage:
  driver: memory       # memory, sqlite, mysql, postgres
  dsn: ""              # file path for sqlite, connection string otherwise
  auto_migrate: true
  persist_interval: 1s

redis:
  addr: ""
  profiles: false      # keep risk profiles in Redis
  config_sync: false   # apply risk config updates from pub/sub

kafka:
  brokers: []
  audit_topic: deepaudit.audit
  feedback_topic: deepaudit.feedback

ml:
  transport: none      # none, http, grpc
  endpoint: ""
  timeout: 200ms
  max_in_flight: 64

journal:
  path: ""             # hash-chained JSONL journal; empty disables

engine:
  excluded_tables: []  # empty keeps the built-in list of deepaudit tables

refresh:
  interval: 1m

trend:
  slot: 1m

alerts: []

ops:
  addr: ""             # health and metrics listener, e.g. :9100
`
}
