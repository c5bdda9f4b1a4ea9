package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/cvsync/internal/domain"
)

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.PathValue("id"))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalidID(name, raw)
	}
	return id, nil
}

func invalidID(name, raw string) error {
	return fmt.Errorf("%w: invalid %s id %q", domain.ErrInvalidArgument, name, raw)
}

func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
