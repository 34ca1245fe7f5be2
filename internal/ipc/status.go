package ipc

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/commitminer/commitminer/internal/journal"
)

// Status is the miner state served over the control socket.
type Status struct {
	State     string // "idle", "mining", "pushing", "stopped"
	User      string
	Backend   string
	Device    string
	Predicate string
	Head      string
	Round     uint64
	Offset    uint64
	Limit     uint64
	Attempts  uint64
	Rate      float64 // hashes per second of the last batch
	Started   time.Time

	Mined     uint64
	Exhausted uint64
	Cancelled uint64
	Failed    uint64
	LastHash  string
}

// Struct encodes s as a protobuf Struct.
func (s Status) Struct() (*structpb.Struct, error) {
	m := map[string]any{
		"state":     s.State,
		"user":      s.User,
		"backend":   s.Backend,
		"device":    s.Device,
		"predicate": s.Predicate,
		"head":      s.Head,
		"round":     s.Round,
		"offset":    s.Offset,
		"limit":     s.Limit,
		"attempts":  s.Attempts,
		"rate":      s.Rate,
		"mined":     s.Mined,
		"exhausted": s.Exhausted,
		"cancelled": s.Cancelled,
		"failed":    s.Failed,
		"last_hash": s.LastHash,
	}
	if !s.Started.IsZero() {
		m["started"] = s.Started.UTC().Format(time.RFC3339)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode status: %w", err)
	}
	return st, nil
}

// StatusFromStruct decodes a Status produced by Status.Struct.
func StatusFromStruct(st *structpb.Struct) Status {
	f := st.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	num := func(k string) uint64 { return uint64(f[k].GetNumberValue()) }

	s := Status{
		State:     str("state"),
		User:      str("user"),
		Backend:   str("backend"),
		Device:    str("device"),
		Predicate: str("predicate"),
		Head:      str("head"),
		Round:     num("round"),
		Offset:    num("offset"),
		Limit:     num("limit"),
		Attempts:  num("attempts"),
		Rate:      f["rate"].GetNumberValue(),
		Mined:     num("mined"),
		Exhausted: num("exhausted"),
		Cancelled: num("cancelled"),
		Failed:    num("failed"),
		LastHash:  str("last_hash"),
	}
	if t, err := time.Parse(time.RFC3339, str("started")); err == nil {
		s.Started = t
	}
	return s
}

func entriesStruct(entries []journal.Entry) (*structpb.Struct, error) {
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, map[string]any{
			"seq":        e.Seq,
			"round":      e.Round,
			"time":       e.Time.UTC().Format(time.RFC3339Nano),
			"parent":     e.Parent,
			"outcome":    e.Outcome,
			"nonce":      e.Nonce,
			"hash":       e.Hash,
			"attempts":   e.Attempts,
			"elapsed_ms": float64(e.Elapsed) / float64(time.Millisecond),
			"device":     e.Device,
			"pushed":     e.Pushed,
			"error":      e.Error,
		})
	}
	st, err := structpb.NewStruct(map[string]any{"entries": list})
	if err != nil {
		return nil, fmt.Errorf("ipc: encode history: %w", err)
	}
	return st, nil
}

func entriesFromStruct(st *structpb.Struct) []journal.Entry {
	values := st.GetFields()["entries"].GetListValue().GetValues()
	out := make([]journal.Entry, 0, len(values))
	for _, v := range values {
		f := v.GetStructValue().GetFields()
		e := journal.Entry{
			Seq:      uint64(f["seq"].GetNumberValue()),
			Round:    uint64(f["round"].GetNumberValue()),
			Parent:   f["parent"].GetStringValue(),
			Outcome:  f["outcome"].GetStringValue(),
			Nonce:    uint64(f["nonce"].GetNumberValue()),
			Hash:     f["hash"].GetStringValue(),
			Attempts: uint64(f["attempts"].GetNumberValue()),
			Elapsed:  time.Duration(f["elapsed_ms"].GetNumberValue() * float64(time.Millisecond)),
			Device:   f["device"].GetStringValue(),
			Pushed:   f["pushed"].GetBoolValue(),
			Error:    f["error"].GetStringValue(),
		}
		if t, err := time.Parse(time.RFC3339Nano, f["time"].GetStringValue()); err == nil {
			e.Time = t
		}
		out = append(out, e)
	}
	return out
}
