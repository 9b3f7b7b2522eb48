package messaging

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gompsolo/internal/validation"
)

// Event field names shared by publisher and archiver
const (
	fieldTimestamp = "timestamp"
	fieldValid     = "valid"
	fieldUser      = "user"
	fieldJobID     = "jobId"
	fieldHashrate  = "hashrate"
	fieldHash      = "hash"
	fieldHeader    = "header"
	fieldAccepted  = "accepted"
	fieldPrevious  = "previous"
	fieldCurrent   = "current"
)

// ShareEvent encodes a share and the miner's hashrate at submit time
func ShareEvent(share validation.Share, hashrate float64) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldTimestamp: share.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldValid:     share.Valid,
		fieldUser:      share.User,
		fieldJobID:     share.JobID,
		fieldHashrate:  hashrate,
	})
}

// BlockEvent encodes a block submission
func BlockEvent(block validation.Block) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldTimestamp: block.FoundAt.UTC().Format(time.RFC3339Nano),
		fieldHash:      block.Hash,
		fieldHeader:    block.Header,
		fieldUser:      block.User,
		fieldJobID:     block.JobID,
		fieldAccepted:  block.Accepted,
	})
}

// DifficultyEvent encodes a pool difficulty change
func DifficultyEvent(previous, current float64, at time.Time) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldTimestamp: at.UTC().Format(time.RFC3339Nano),
		fieldPrevious:  previous,
		fieldCurrent:   current,
	})
}

// DecodeShare reverses ShareEvent
func DecodeShare(s *structpb.Struct) (validation.Share, float64, error) {
	ts, err := timestampField(s)
	if err != nil {
		return validation.Share{}, 0, err
	}
	f := s.GetFields()
	user := f[fieldUser].GetStringValue()
	if user == "" {
		return validation.Share{}, 0, fmt.Errorf("share event without user")
	}
	return validation.Share{
		Timestamp: ts,
		Valid:     f[fieldValid].GetBoolValue(),
		User:      user,
		JobID:     f[fieldJobID].GetStringValue(),
	}, f[fieldHashrate].GetNumberValue(), nil
}

// DecodeBlock reverses BlockEvent
func DecodeBlock(s *structpb.Struct) (validation.Block, error) {
	ts, err := timestampField(s)
	if err != nil {
		return validation.Block{}, err
	}
	f := s.GetFields()
	hash := f[fieldHash].GetStringValue()
	if hash == "" {
		return validation.Block{}, fmt.Errorf("block event without hash")
	}
	return validation.Block{
		Hash:     hash,
		Header:   f[fieldHeader].GetStringValue(),
		User:     f[fieldUser].GetStringValue(),
		JobID:    f[fieldJobID].GetStringValue(),
		Accepted: f[fieldAccepted].GetBoolValue(),
		FoundAt:  ts,
	}, nil
}

// DecodeDifficulty reverses DifficultyEvent
func DecodeDifficulty(s *structpb.Struct) (previous, current float64, at time.Time, err error) {
	at, err = timestampField(s)
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	f := s.GetFields()
	return f[fieldPrevious].GetNumberValue(), f[fieldCurrent].GetNumberValue(), at, nil
}

func timestampField(s *structpb.Struct) (time.Time, error) {
	raw := s.GetFields()[fieldTimestamp].GetStringValue()
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad event timestamp %q: %w", raw, err)
	}
	return ts, nil
}
