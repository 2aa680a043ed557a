package chain

import (
	"encoding/json"
	"fmt"
)

// finalizedPayload is what the node attaches to a finalized notification.
// A bare block hash is accepted too, in which case no events are known.
type finalizedPayload struct {
	Block  string  `json:"block"`
	Events []Event `json:"events"`
}

// parseStatus decodes the result of an author_extrinsicUpdate notification.
// Simple states are bare strings, the others objects with a single key.
func parseStatus(raw json.RawMessage) (StatusUpdate, error) {
	var simple string
	if err := json.Unmarshal(raw, &simple); err == nil {
		switch simple {
		case "future":
			return StatusUpdate{Kind: StatusFuture}, nil
		case "ready":
			return StatusUpdate{Kind: StatusReady}, nil
		case "dropped":
			return StatusUpdate{Kind: StatusDropped}, nil
		case "invalid":
			return StatusUpdate{Kind: StatusInvalid}, nil
		default:
			return StatusUpdate{}, fmt.Errorf("unknown extrinsic status %q", simple)
		}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return StatusUpdate{}, fmt.Errorf("malformed extrinsic status: %w", err)
	}
	if len(fields) != 1 {
		return StatusUpdate{}, fmt.Errorf("extrinsic status must have exactly one key, got %d", len(fields))
	}

	for key, value := range fields {
		switch key {
		case "broadcast":
			return StatusUpdate{Kind: StatusBroadcast}, nil
		case "inBlock":
			return blockStatus(StatusInBlock, value)
		case "retracted":
			return blockStatus(StatusRetracted, value)
		case "finalityTimeout":
			return blockStatus(StatusFinalityTimeout, value)
		case "usurped":
			return blockStatus(StatusUsurped, value)
		case "finalized":
			var hash string
			if err := json.Unmarshal(value, &hash); err == nil {
				return StatusUpdate{Kind: StatusFinalized, BlockHash: hash}, nil
			}
			var payload finalizedPayload
			if err := json.Unmarshal(value, &payload); err != nil {
				return StatusUpdate{}, fmt.Errorf("malformed finalized status: %w", err)
			}
			return StatusUpdate{Kind: StatusFinalized, BlockHash: payload.Block, Events: payload.Events}, nil
		default:
			return StatusUpdate{}, fmt.Errorf("unknown extrinsic status %q", key)
		}
	}
	return StatusUpdate{}, fmt.Errorf("empty extrinsic status")
}

func blockStatus(kind StatusKind, value json.RawMessage) (StatusUpdate, error) {
	var hash string
	if err := json.Unmarshal(value, &hash); err != nil {
		return StatusUpdate{}, fmt.Errorf("malformed %s status: %w", kind, err)
	}
	return StatusUpdate{Kind: kind, BlockHash: hash}, nil
}
