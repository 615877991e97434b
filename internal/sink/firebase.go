package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/errorutils"
	"google.golang.org/api/option"
)

type FirebaseConfig struct {
	DatabaseURL     string
	CredentialsFile string
	CredentialsJSON string
}

// Firebase writes batches to a Realtime Database with one multi-path update.
type Firebase struct {
	client *db.Client
	logger *slog.Logger
}

// DialFirebase returns a DialFunc that builds a new admin app and database
// client on every call.
func DialFirebase(cfg FirebaseConfig, logger *slog.Logger) DialFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) (Sink, error) {
		return NewFirebase(ctx, cfg, logger)
	}
}

func NewFirebase(ctx context.Context, cfg FirebaseConfig, logger *slog.Logger) (*Firebase, error) {
	if cfg.DatabaseURL == "" {
		return nil, AuthError("dial", errors.New("database url is empty"))
	}

	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, AuthError("dial", fmt.Errorf("credentials file: %w", err))
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	default:
		return nil, AuthError("dial", errors.New("no credentials configured"))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: cfg.DatabaseURL}, opts...)
	if err != nil {
		return nil, classifyFirebase("dial", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, classifyFirebase("dial", err)
	}
	logger.Info("firebase sink connected", "database_url", cfg.DatabaseURL)
	return &Firebase{client: client, logger: logger}, nil
}

func (f *Firebase) Write(ctx context.Context, updates map[string]Payload) error {
	if len(updates) == 0 {
		return nil
	}
	if err := f.client.NewRef("/").Update(ctx, firebaseUpdate(updates)); err != nil {
		return classifyFirebase("write", err)
	}
	f.logger.Debug("firebase batch written", "paths", len(updates))
	return nil
}

// Close is a no-op; the database client holds no connection of its own.
func (f *Firebase) Close() error { return nil }

// firebaseUpdate turns absolute paths into the relative keys a multi-path
// update on the root reference expects.
func firebaseUpdate(updates map[string]Payload) map[string]interface{} {
	out := make(map[string]interface{}, len(updates))
	for path, p := range updates {
		out[strings.TrimPrefix(path, "/")] = map[string]any(p)
	}
	return out
}

func classifyFirebase(op string, err error) error {
	if errorutils.IsUnauthenticated(err) || errorutils.IsPermissionDenied(err) {
		return AuthError(op, err)
	}
	// Malformed service account files surface from NewApp as plain errors.
	if op == "dial" && strings.Contains(strings.ToLower(err.Error()), "credentials") {
		return AuthError(op, err)
	}
	return TransientError(op, err)
}

var _ Sink = (*Firebase)(nil)
