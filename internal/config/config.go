package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	SinkNone     = "none"
	SinkFirebase = "firebase"
	SinkMQTT     = "mqtt"

	QueueSQLite = "sqlite"
	QueueMemory = "memory"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	DeviceID string
	TimeZone string
	Location *time.Location

	SQLitePath            string
	SQLiteDSN             string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration
	SQLiteLogQueries      bool

	QueueBackend   string
	MemoryQueueCap int

	ReadInterval  time.Duration
	Simulate      bool
	SerialIndoor  string
	SerialOutdoor string
	BaudRate      int

	BME280Enabled bool
	BME280Address uint16
	I2CBus        string

	Sink                    string
	FirebaseURL             string
	FirebaseCredentials     string
	FirebaseCredentialsJSON string
	SinkRoot                string

	UploadBatchSize     int
	UploadFlushInterval time.Duration
	BackoffMin          time.Duration
	BackoffMax          time.Duration
	SinkWriteTimeout    time.Duration
	FinalDrainAttempts  int
	FinalDrainTimeout   time.Duration

	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	AggregateEnabled  bool
	AggregateInterval time.Duration
	AggregateDelta    float64

	CSVDir string

	// StationFile is an optional YAML file describing the relay bank and automation.
	StationFile string
	Station     StationFile
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:   appEnv,
		LogLevel: level,
		HTTPAddr: envString("HTTP_ADDR", ":8080"),
	}
	// HTTP_ADDR=off disables the local API.
	if strings.EqualFold(cfg.HTTPAddr, "off") {
		cfg.HTTPAddr = ""
	}

	cfg.DeviceID = strings.TrimSpace(os.Getenv("DEVICE_ID"))
	if cfg.DeviceID == "" {
		cfg.DeviceID = defaultDeviceID()
	}
	if strings.ContainsAny(cfg.DeviceID, "/.#$[]") {
		return Config{}, fmt.Errorf("invalid DEVICE_ID %q: must not contain any of / . # $ [ ]", cfg.DeviceID)
	}

	cfg.TimeZone = envString("TIMEZONE", "Asia/Bangkok")
	cfg.Location, err = time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return Config{}, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.TimeZone, err)
	}
	// "Local" would make timestamps depend on the host setting.
	if cfg.Location == time.Local {
		return Config{}, fmt.Errorf("invalid TIMEZONE %q: use an explicit zone name", cfg.TimeZone)
	}
	if observesDST(cfg.Location) {
		return Config{}, fmt.Errorf("invalid TIMEZONE %q: zone observes daylight saving, sink paths would repeat", cfg.TimeZone)
	}

	cfg.SQLitePath = envString("SQLITE_PATH", "pm25.db")
	cfg.SQLiteDSN = strings.TrimSpace(os.Getenv("DB_DSN"))
	if cfg.SQLiteMaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", 1); err != nil {
		return Config{}, err
	}
	if cfg.SQLiteMaxIdleConns, err = envInt("DB_MAX_IDLE_CONNS", 1); err != nil {
		return Config{}, err
	}
	if cfg.SQLiteConnMaxLifetime, err = envDuration("DB_CONN_MAX_LIFETIME", 0); err != nil {
		return Config{}, err
	}
	if cfg.SQLiteLogQueries, err = envBool("SQLITE_LOG_QUERIES", false); err != nil {
		return Config{}, err
	}

	cfg.QueueBackend = strings.ToLower(envString("QUEUE_BACKEND", QueueSQLite))
	switch cfg.QueueBackend {
	case QueueSQLite, QueueMemory:
	default:
		return Config{}, fmt.Errorf("invalid QUEUE_BACKEND %q (allowed: sqlite, memory)", cfg.QueueBackend)
	}
	if cfg.MemoryQueueCap, err = envInt("MEMORY_QUEUE_CAP", 5000); err != nil {
		return Config{}, err
	}
	if cfg.MemoryQueueCap <= 0 {
		return Config{}, fmt.Errorf("MEMORY_QUEUE_CAP must be positive, got %d", cfg.MemoryQueueCap)
	}

	if cfg.ReadInterval, err = envPositiveDuration("READ_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	// Record timestamps have second precision; a finer interval would reuse
	// an identity and the queue would drop the later reading.
	if cfg.ReadInterval < time.Second || cfg.ReadInterval%time.Second != 0 {
		return Config{}, fmt.Errorf("READ_INTERVAL must be a whole number of seconds, got %s", cfg.ReadInterval)
	}
	if cfg.Simulate, err = envBool("SIMULATE", false); err != nil {
		return Config{}, err
	}
	cfg.SerialIndoor = envString("SERIAL_INDOOR", "/dev/ttyAMA0")
	cfg.SerialOutdoor = envString("SERIAL_OUTDOOR", "/dev/ttyAMA2")
	if cfg.BaudRate, err = envInt("BAUD_RATE", 9600); err != nil {
		return Config{}, err
	}

	if cfg.BME280Enabled, err = envBool("BME280_ENABLED", true); err != nil {
		return Config{}, err
	}
	bme280AddressStr := envString("BME280_ADDRESS", "0x76")
	bme280Address, err := strconv.ParseUint(bme280AddressStr, 0, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BME280_ADDRESS %q: %w", bme280AddressStr, err)
	}
	cfg.BME280Address = uint16(bme280Address)
	cfg.I2CBus = strings.TrimSpace(os.Getenv("I2C_BUS"))

	cfg.FirebaseURL = strings.TrimSpace(os.Getenv("FIREBASE_RTDB_URL"))
	cfg.FirebaseCredentials = envString("FIREBASE_CREDENTIALS", "/etc/pm25/firebase-adminsdk.json")
	cfg.FirebaseCredentialsJSON = strings.TrimSpace(os.Getenv("FIREBASE_CREDENTIALS_JSON"))
	cfg.SinkRoot = strings.Trim(envString("SINK_ROOT", "pm_readings"), "/")
	if cfg.SinkRoot == "" || strings.ContainsAny(cfg.SinkRoot, ".#$[]") {
		return Config{}, fmt.Errorf("invalid SINK_ROOT %q", os.Getenv("SINK_ROOT"))
	}

	cfg.Sink = strings.ToLower(strings.TrimSpace(os.Getenv("SINK")))
	if cfg.Sink == "" {
		cfg.Sink = SinkNone
		if cfg.FirebaseURL != "" {
			cfg.Sink = SinkFirebase
		}
	}
	switch cfg.Sink {
	case SinkNone, SinkFirebase, SinkMQTT:
	default:
		return Config{}, fmt.Errorf("invalid SINK %q (allowed: none, firebase, mqtt)", cfg.Sink)
	}

	if cfg.UploadBatchSize, err = envInt("UPLOAD_BATCH_SIZE", 200); err != nil {
		return Config{}, err
	}
	if cfg.UploadBatchSize <= 0 {
		return Config{}, fmt.Errorf("UPLOAD_BATCH_SIZE must be positive, got %d", cfg.UploadBatchSize)
	}
	if cfg.UploadFlushInterval, err = envPositiveDuration("UPLOAD_FLUSH_INTERVAL", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.BackoffMin, err = envPositiveDuration("BACKOFF_MIN", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.BackoffMax, err = envPositiveDuration("BACKOFF_MAX", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		return Config{}, fmt.Errorf("BACKOFF_MAX (%v) must be >= BACKOFF_MIN (%v)", cfg.BackoffMax, cfg.BackoffMin)
	}
	if cfg.SinkWriteTimeout, err = envPositiveDuration("SINK_WRITE_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.FinalDrainAttempts, err = envInt("FINAL_DRAIN_ATTEMPTS", 5); err != nil {
		return Config{}, err
	}
	if cfg.FinalDrainAttempts < 0 {
		return Config{}, fmt.Errorf("FINAL_DRAIN_ATTEMPTS must be >= 0, got %d", cfg.FinalDrainAttempts)
	}
	if cfg.FinalDrainTimeout, err = envPositiveDuration("FINAL_DRAIN_TIMEOUT", 20*time.Second); err != nil {
		return Config{}, err
	}

	cfg.MQTTBroker = envString("MQTT_BROKER", "localhost")
	if cfg.MQTTPort, err = envInt("MQTT_PORT", 1883); err != nil {
		return Config{}, err
	}
	cfg.MQTTClientID = envString("MQTT_CLIENT_ID", "pm25-station-"+cfg.DeviceID)
	cfg.MQTTUsername = strings.TrimSpace(os.Getenv("MQTT_USERNAME"))
	cfg.MQTTPassword = os.Getenv("MQTT_PASSWORD")

	if cfg.AggregateEnabled, err = envBool("AGGREGATE_ENABLED", false); err != nil {
		return Config{}, err
	}
	if cfg.AggregateInterval, err = envPositiveDuration("AGGREGATE_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}
	deltaStr := envString("AGGREGATE_DELTA", "5")
	cfg.AggregateDelta, err = strconv.ParseFloat(deltaStr, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid AGGREGATE_DELTA %q: %w", deltaStr, err)
	}
	if cfg.AggregateDelta <= 0 {
		return Config{}, fmt.Errorf("AGGREGATE_DELTA must be positive, got %v", cfg.AggregateDelta)
	}

	cfg.CSVDir = envString("CSV_DIR", "csv_logs")
	if strings.EqualFold(cfg.CSVDir, "off") {
		cfg.CSVDir = ""
	}

	cfg.StationFile = strings.TrimSpace(os.Getenv("STATION_FILE"))
	cfg.Station, err = LoadStationFile(cfg.StationFile)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SinkEnabled reports whether the configured sink has everything it needs to connect.
func (c Config) SinkEnabled() bool {
	switch c.Sink {
	case SinkFirebase:
		return c.FirebaseURL != "" && (c.FirebaseCredentialsJSON != "" || c.FirebaseCredentials != "")
	case SinkMQTT:
		return c.MQTTBroker != ""
	default:
		return false
	}
}

// observesDST reports whether loc changes offset during the current year.
func observesDST(loc *time.Location) bool {
	year := time.Now().Year()
	_, jan := time.Date(year, time.January, 1, 0, 0, 0, 0, loc).Zone()
	_, jul := time.Date(year, time.July, 1, 0, 0, 0, 0, loc).Zone()
	return jan != jul
}

func defaultDeviceID() string {
	if host, err := os.Hostname(); err == nil {
		host = strings.TrimSpace(host)
		if i := strings.IndexByte(host, '.'); i > 0 {
			host = host[:i]
		}
		if host != "" && host != "localhost" {
			return host
		}
	}
	if b, err := os.ReadFile("/etc/machine-id"); err == nil {
		id := strings.TrimSpace(string(b))
		if len(id) >= 8 {
			return id[:8]
		}
	}
	return "station"
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s %q (expected boolean)", key, s)
	}
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func envPositiveDuration(key string, def time.Duration) (time.Duration, error) {
	d, err := envDuration(key, def)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
