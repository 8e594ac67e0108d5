package sections

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	defaultCommitTimeout = 15 * time.Second
	commitPathPattern    = "/api/orders/%s/sections/%s/commit"
	sectionPathPattern   = "/api/orders/%s/sections/%s"
	maxResponseBytes     = 1 << 20
)

var (
	errMissingBaseURL = errors.New("sections: base url is required")
	requestValidator  = validator.New()
)

// Notifier plays a notification cue.
type Notifier interface {
	Play(category notify.Category)
}

// CommitRequest describes local edits to persist for one section.
type CommitRequest struct {
	OrderID        string          `validate:"required,max=190"`
	Section        string          `validate:"required,max=190"`
	ClientVersion  int64           `validate:"gte=0"`
	ChangesSummary string          `validate:"max=2000"`
	ChangedFields  []string        `validate:"dive,required"`
	Payload        json.RawMessage `validate:"-"`
}

// CommitResult is the outcome of a commit. Conflicts and transport failures
// are values, not errors.
type CommitResult struct {
	Conflict      bool
	NewVersion    int64
	ServerVersion int64
	Message       string
	Failed        bool
	Err           error
}

// SectionState is the server's current view of a section.
type SectionState struct {
	Section       string          `json:"section"`
	Version       int64           `json:"version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	UpdatedByID   string          `json:"updated_by_id"`
	UpdatedByName string          `json:"updated_by_name"`
}

// CommitterConfig wires a Committer.
type CommitterConfig struct {
	BaseURL    string
	Identity   protocol.Identity
	HTTPClient *http.Client
	Notifier   Notifier
	Logger     *zap.Logger
}

// Committer sends versioned section writes to the order API.
type Committer struct {
	baseURL  string
	identity protocol.Identity
	client   *http.Client
	notifier Notifier
	logger   *zap.Logger
}

// NewCommitter validates configuration and constructs a Committer.
func NewCommitter(cfg CommitterConfig) (*Committer, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultCommitTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{
		baseURL:  base,
		identity: cfg.Identity,
		client:   client,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

type commitRequestPayload struct {
	ClientVersion  int64           `json:"client_version"`
	UserID         string          `json:"user_id"`
	UserName       string          `json:"user_name"`
	ChangesSummary string          `json:"changes_summary"`
	ChangedFields  []string        `json:"changed_fields"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type commitResponsePayload struct {
	Conflict      bool   `json:"conflict"`
	NewVersion    *int64 `json:"new_version"`
	ServerVersion *int64 `json:"server_version"`
	Message       string `json:"message"`
}

// Commit sends one versioned write. It never retries or merges; on conflict
// the caller refetches, reapplies its edits and commits again.
func (c *Committer) Commit(ctx context.Context, request CommitRequest) (CommitResult, error) {
	if err := requestValidator.Struct(request); err != nil {
		return CommitResult{}, fmt.Errorf("sections: invalid commit request: %w", err)
	}

	fields := request.ChangedFields
	if fields == nil {
		fields = []string{}
	}
	body, err := json.Marshal(commitRequestPayload{
		ClientVersion:  request.ClientVersion,
		UserID:         c.identity.ID,
		UserName:       c.identity.Name,
		ChangesSummary: request.ChangesSummary,
		ChangedFields:  fields,
		Payload:        request.Payload,
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("sections: encode commit request: %w", err)
	}

	endpoint := c.baseURL + fmt.Sprintf(commitPathPattern, url.PathEscape(request.OrderID), url.PathEscape(request.Section))
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return CommitResult{}, fmt.Errorf("sections: build commit request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(httpRequest)
	if err != nil {
		return c.failed(request, fmt.Errorf("sections: commit request: %w", err)), nil
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusConflict {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return c.failed(request, fmt.Errorf("sections: unexpected status %d: %s", response.StatusCode, strings.TrimSpace(string(snippet)))), nil
	}

	var payload commitResponsePayload
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return c.failed(request, fmt.Errorf("sections: decode commit response: %w", err)), nil
	}

	if payload.Conflict {
		result := CommitResult{Conflict: true, Message: payload.Message}
		if payload.ServerVersion != nil {
			result.ServerVersion = *payload.ServerVersion
		}
		c.logger.Info("section commit conflict",
			zap.String("order_id", request.OrderID),
			zap.String("section", request.Section),
			zap.Int64("client_version", request.ClientVersion),
			zap.Int64("server_version", result.ServerVersion))
		if c.notifier != nil {
			c.notifier.Play(notify.CategoryConflict)
		}
		return result, nil
	}

	if payload.NewVersion == nil {
		return c.failed(request, errors.New("sections: commit response without new_version")), nil
	}
	return CommitResult{NewVersion: *payload.NewVersion, ServerVersion: *payload.NewVersion}, nil
}

type sectionResponsePayload struct {
	Section       string          `json:"section"`
	Version       int64           `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	UpdatedByID   string          `json:"updated_by_id"`
	UpdatedByName string          `json:"updated_by_name"`
}

// Fetch reads the current version of a section, used to rebase after a conflict.
func (c *Committer) Fetch(ctx context.Context, orderID, section string) (SectionState, error) {
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(section) == "" {
		return SectionState{}, errors.New("sections: order id and section are required")
	}
	endpoint := c.baseURL + fmt.Sprintf(sectionPathPattern, url.PathEscape(orderID), url.PathEscape(section))
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return SectionState{}, fmt.Errorf("sections: build fetch request: %w", err)
	}
	response, err := c.client.Do(httpRequest)
	if err != nil {
		return SectionState{}, fmt.Errorf("sections: fetch request: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return SectionState{}, fmt.Errorf("sections: fetch returned status %d", response.StatusCode)
	}
	var payload sectionResponsePayload
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return SectionState{}, fmt.Errorf("sections: decode fetch response: %w", err)
	}
	return SectionState{
		Section:       payload.Section,
		Version:       payload.Version,
		Payload:       payload.Payload,
		UpdatedByID:   payload.UpdatedByID,
		UpdatedByName: payload.UpdatedByName,
	}, nil
}

func (c *Committer) failed(request CommitRequest, err error) CommitResult {
	c.logger.Warn("section commit failed",
		zap.String("order_id", request.OrderID),
		zap.String("section", request.Section),
		zap.Error(err))
	return CommitResult{Failed: true, Err: err, Message: err.Error()}
}
