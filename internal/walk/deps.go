package walk

import (
	"database/sql"
	"errors"
	"net/http"

	"firebase.google.com/go/messaging"
	"github.com/redis/go-redis/v9"

	"walkly/internal/walk/media"
	"walkly/internal/walk/ws"
)

// Logger provides minimal logging required by the walk module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// WalkDeps groups external dependencies needed by the walk module.
// FCM and Storage are optional: without FCM notifications go to the
// log, without Storage photo upload is disabled.
type WalkDeps struct {
	DB         *sql.DB
	RDB        *redis.Client
	Logger     Logger
	Config     WalkConfig
	Identity   ws.Identity
	FCM        *messaging.Client
	Storage    media.Storage
	HTTPClient *http.Client
	module     *moduleState
}

// Validate ensures required dependencies are provided.
func (d *WalkDeps) Validate() error {
	if d.DB == nil {
		return errors.New("walk deps: DB is required")
	}
	if d.RDB == nil {
		return errors.New("walk deps: RDB is required")
	}
	if d.Logger == nil {
		return errors.New("walk deps: Logger is required")
	}
	if d.Identity == nil {
		return errors.New("walk deps: Identity is required")
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	return nil
}
