package sqlguard

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/sqlchat/sqlchat/internal/sqlast"
)

// LimitAction describes what EnforceLimits did to one top-level statement.
type LimitAction string

const (
	LimitInjected LimitAction = "injected"
	LimitCapped   LimitAction = "capped"
	LimitKept     LimitAction = "kept"
)

// EnforceLimits bounds the row count of every top-level statement by ceiling.
// Inputs are not modified: each returned statement is a shallow copy with its
// own Limit. Only the outermost limit of each statement is considered.
// Applying it to its own output with the same ceiling changes nothing.
func EnforceLimits(statements []sqlast.Statement, ceiling int64) ([]sqlast.Statement, []int64, []LimitAction, error) {
	if ceiling <= 0 {
		return nil, nil, nil, fmt.Errorf("row ceiling must be positive, got %d", ceiling)
	}
	out := make([]sqlast.Statement, 0, len(statements))
	limits := make([]int64, 0, len(statements))
	actions := make([]LimitAction, 0, len(statements))
	for _, stmt := range statements {
		switch typed := stmt.(type) {
		case *sqlast.Select:
			limit, action, err := boundLimit(typed.Limit, ceiling)
			if err != nil {
				return nil, nil, nil, err
			}
			copied := *typed
			copied.Limit = limit
			out = append(out, &copied)
			limits = append(limits, limit.Value)
			actions = append(actions, action)
		case *sqlast.SetOperation:
			limit, action, err := boundLimit(typed.Limit, ceiling)
			if err != nil {
				return nil, nil, nil, err
			}
			copied := *typed
			copied.Limit = limit
			out = append(out, &copied)
			limits = append(limits, limit.Value)
			actions = append(actions, action)
		default:
			return nil, nil, nil, errors.New("limits can only be enforced on queries")
		}
	}
	return out, limits, actions, nil
}

func boundLimit(limit sqlast.Limit, ceiling int64) (*sqlast.LimitCount, LimitAction, error) {
	switch typed := limit.(type) {
	case nil:
		return &sqlast.LimitCount{Value: ceiling}, LimitInjected, nil
	case *sqlast.LimitCount:
		text := strconv.FormatInt(typed.Value, 10)
		if typed.WithTies {
			return nil, "", invalidLimit(text+" WITH TIES", "WITH TIES can return more rows than the limit")
		}
		if typed.Value <= 0 {
			return nil, "", invalidLimit(text, "must be a positive integer")
		}
		if typed.Value > ceiling {
			return &sqlast.LimitCount{Value: ceiling}, LimitCapped, nil
		}
		return &sqlast.LimitCount{Value: typed.Value}, LimitKept, nil
	case *sqlast.LimitParam:
		return nil, "", invalidLimit("$"+strconv.Itoa(typed.Index), "must be an integer literal, not a parameter")
	case *sqlast.LimitExpr:
		return nil, "", invalidLimit("expression", "must be an integer literal")
	default:
		return nil, "", invalidLimit(fmt.Sprintf("%T", limit), "unrecognized limit")
	}
}
