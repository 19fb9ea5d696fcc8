package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/censor-chatbot/internal/commands"
	"github.com/you/censor-chatbot/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing dispatches.
type Order string

const (
	// OrderDesc returns records newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns records oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for audit lookups.
type Filters struct {
	Actions  []string
	Users    []string
	Outcomes []string
	Since    *time.Time
	Limit    int
	Order    Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	for _, part := range splitValues(values, "action") {
		action, err := commands.ParseAction(part)
		if err != nil {
			return Filters{}, errors.New("invalid action filter")
		}
		f.Actions = appendUnique(f.Actions, string(action))
	}

	for _, part := range splitValues(values, "outcome") {
		outcome, ok := normalizeOutcome(part)
		if !ok {
			return Filters{}, errors.New("outcome must be ok, failed or denied")
		}
		f.Outcomes = appendUnique(f.Outcomes, outcome)
	}

	for _, part := range splitValues(values, "user") {
		f.Users = appendUnique(f.Users, strings.ToLower(part))
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

// splitValues flattens repeated and comma separated parameters.
func splitValues(values url.Values, key string) []string {
	var out []string
	for _, raw := range values[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func normalizeOutcome(raw string) (string, bool) {
	switch strings.ToLower(raw) {
	case core.OutcomeOK, "success":
		return core.OutcomeOK, true
	case core.OutcomeFailed, "error":
		return core.OutcomeFailed, true
	case core.OutcomeDenied:
		return core.OutcomeDenied, true
	default:
		return "", false
	}
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the provided record satisfies the filters.
func (f Filters) Matches(rec core.DispatchRecord) bool {
	if len(f.Actions) > 0 && !contains(f.Actions, rec.Action) {
		return false
	}
	if len(f.Outcomes) > 0 && !contains(f.Outcomes, rec.Outcome) {
		return false
	}

	if len(f.Users) > 0 {
		user := strings.ToLower(rec.User)
		match := false
		for _, u := range f.Users {
			if strings.Contains(user, u) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil && rec.Ts.Before(f.Since.UTC()) {
		return false
	}
	return true
}

// CloneForStream returns a copy of the filters adjusted for streaming transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	return f
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
