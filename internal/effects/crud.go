package effects

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/himscore/statesync/internal/syncclient"
)

const (
	OpFetch  = "fetch"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// RegisterCRUD wires the four standard intent classes of a domain to the
// sync client: fetch, create, update and delete against a REST collection
// path. Slices stay opaque; payloads are forwarded as-is.
func RegisterCRUD(c *Coordinator, client *syncclient.Client, domain, basePath string) {
	basePath = strings.TrimRight(strings.TrimSpace(basePath), "/")
	if basePath == "" {
		basePath = "/" + domain
	}

	c.Handle(domain, OpFetch, func(ctx context.Context, payload any) (any, error) {
		return doJSON(ctx, client, syncclient.Request{Method: http.MethodGet, Path: basePath})
	})
	c.Handle(domain, OpCreate, func(ctx context.Context, payload any) (any, error) {
		return doJSON(ctx, client, syncclient.Request{Method: http.MethodPost, Path: basePath, Body: payload})
	})
	c.Handle(domain, OpUpdate, func(ctx context.Context, payload any) (any, error) {
		id, err := entityID(payload)
		if err != nil {
			return nil, err
		}
		return doJSON(ctx, client, syncclient.Request{
			Method: http.MethodPut,
			Path:   basePath + "/" + url.PathEscape(id),
			Body:   payload,
		})
	})
	c.Handle(domain, OpDelete, func(ctx context.Context, payload any) (any, error) {
		id, err := entityID(payload)
		if err != nil {
			return nil, err
		}
		return doJSON(ctx, client, syncclient.Request{
			Method: http.MethodDelete,
			Path:   basePath + "/" + url.PathEscape(id),
		})
	})
}

func doJSON(ctx context.Context, client *syncclient.Client, req syncclient.Request) (any, error) {
	raw, err := client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Not all endpoints answer JSON; hand back the raw bytes.
		return string(raw), nil
	}
	return decoded, nil
}

// entityID extracts the id field update and delete intents address.
func entityID(payload any) (string, error) {
	switch value := payload.(type) {
	case map[string]any:
		if id, ok := value["id"].(string); ok && strings.TrimSpace(id) != "" {
			return id, nil
		}
	case interface{ EntityID() string }:
		if id := strings.TrimSpace(value.EntityID()); id != "" {
			return id, nil
		}
	}
	return "", &syncclient.Error{
		Code:    syncclient.CodeInvalidRequest,
		Message: fmt.Sprintf("payload of type %T carries no id", payload),
	}
}
