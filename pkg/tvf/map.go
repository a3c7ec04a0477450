package tvf

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// redactedMarker replaces field values dropped by Redact.
const redactedMarker = "<redacted>"

// Map is the reference Message implementation, backed by a plain map.
// It is not safe for concurrent use; clone before sharing.
type Map struct {
	fields map[uint32]any
}

var _ Message[*Map] = (*Map)(nil)

func NewMap() *Map {
	return &Map{fields: make(map[uint32]any)}
}

func (m *Map) NewEmpty() *Map {
	return NewMap()
}

func (m *Map) Clone() *Map {
	out := &Map{fields: make(map[uint32]any, len(m.fields))}
	for tag, val := range m.fields {
		switch v := val.(type) {
		case []byte:
			cp := make([]byte, len(v))
			copy(cp, v)
			out.fields[tag] = cp
		case *Map:
			out.fields[tag] = v.Clone()
		default:
			out.fields[tag] = val
		}
	}
	return out
}

func (m *Map) PutBytes(tag uint32, val []byte) { m.fields[tag] = val }
func (m *Map) PutString(tag uint32, val string) { m.fields[tag] = val }
func (m *Map) PutInt(tag uint32, val int64)    { m.fields[tag] = val }
func (m *Map) PutUint(tag uint32, val uint64)  { m.fields[tag] = val }
func (m *Map) PutFloat(tag uint32, val float64) { m.fields[tag] = val }
func (m *Map) PutTime(tag uint32, val time.Time) { m.fields[tag] = val }

func (m *Map) GetBytes(tag uint32) ([]byte, error) {
	val, has := m.fields[tag]
	if !has {
		return nil, fmt.Errorf("%w: %d", ErrTagMissing, tag)
	}
	switch v := val.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, fmt.Errorf("%w: tag %d holds %T", ErrTagType, tag, val)
}

func (m *Map) GetString(tag uint32) (string, error) {
	val, has := m.fields[tag]
	if !has {
		return "", fmt.Errorf("%w: %d", ErrTagMissing, tag)
	}
	switch v := val.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", fmt.Errorf("%w: tag %d holds %T", ErrTagType, tag, val)
}

// Numeric getters tolerate cross-kind reads as long as the value fits,
// since a JSON round-trip normalises every number to float64.
func (m *Map) GetInt(tag uint32) (int64, error) {
	val, has := m.fields[tag]
	if !has {
		return 0, fmt.Errorf("%w: %d", ErrTagMissing, tag)
	}
	switch v := val.(type) {
	case int64:
		return v, nil
	case uint64:
		if v > 1<<63-1 {
			return 0, fmt.Errorf("%w: tag %d overflows int64", ErrTagType, tag)
		}
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%w: tag %d is not integral", ErrTagType, tag)
		}
		return int64(v), nil
	}
	return 0, fmt.Errorf("%w: tag %d holds %T", ErrTagType, tag, val)
}

func (m *Map) GetUint(tag uint32) (uint64, error) {
	val, has := m.fields[tag]
	if !has {
		return 0, fmt.Errorf("%w: %d", ErrTagMissing, tag)
	}
	switch v := val.(type) {
	case uint64:
		return v, nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("%w: tag %d is negative", ErrTagType, tag)
		}
		return uint64(v), nil
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, fmt.Errorf("%w: tag %d is not a natural", ErrTagType, tag)
		}
		return uint64(v), nil
	}
	return 0, fmt.Errorf("%w: tag %d holds %T", ErrTagType, tag, val)
}

func (m *Map) GetFloat(tag uint32) (float64, error) {
	val, has := m.fields[tag]
	if !has {
		return 0, fmt.Errorf("%w: %d", ErrTagMissing, tag)
	}
	switch v := val.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("%w: tag %d holds %T", ErrTagType, tag, val)
}

func (m *Map) GetTime(tag uint32) (time.Time, error) {
	val, has := m.fields[tag]
	if !has {
		return time.Time{}, fmt.Errorf("%w: %d", ErrTagMissing, tag)
	}
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: tag %d holds %T", ErrTagType, tag, val)
}

func (m *Map) PutMsg(tag uint32, val *Map) { m.fields[tag] = val }

func (m *Map) GetMsg(tag uint32) (*Map, error) {
	val, has := m.fields[tag]
	if !has {
		return nil, fmt.Errorf("%w: %d", ErrTagMissing, tag)
	}
	switch v := val.(type) {
	case *Map:
		return v, nil
	case map[string]any:
		// nested objects come back untyped from a JSON round trip
		nested, err := mapFromKeyed(v)
		if err != nil {
			return nil, fmt.Errorf("%w: tag %d: %w", ErrTagType, tag, err)
		}
		return nested, nil
	}
	return nil, fmt.Errorf("%w: tag %d holds %T", ErrTagType, tag, val)
}

func (m *Map) Del(tag uint32) {
	delete(m.fields, tag)
}

func (m *Map) Contains(tag uint32) bool {
	_, has := m.fields[tag]
	return has
}

func (m *Map) Len() int {
	return len(m.fields)
}

func (m *Map) Redact(tags ...uint32) *Map {
	out := m.Clone()
	for _, tag := range tags {
		if _, has := out.fields[tag]; has {
			out.fields[tag] = redactedMarker
		}
	}
	return out
}

func (m *Map) String() string {
	keyed := make(map[string]any, len(m.fields))
	for tag, val := range m.fields {
		keyed[strconv.FormatUint(uint64(tag), 10)] = val
	}
	rendered, err := sonic.ConfigStd.MarshalToString(keyed)
	if err != nil {
		return fmt.Sprintf("tvf.Map(%d fields, unrenderable: %s)", len(m.fields), err)
	}
	return rendered
}

// MarshalJSON encodes the message as a JSON object keyed by decimal tags.
func (m *Map) MarshalJSON() ([]byte, error) {
	keyed := make(map[string]any, len(m.fields))
	for tag, val := range m.fields {
		keyed[strconv.FormatUint(uint64(tag), 10)] = val
	}
	return sonic.ConfigStd.Marshal(keyed)
}

// UnmarshalJSON decodes a JSON object keyed by decimal tags. Numbers come
// back as float64 and timestamps as RFC3339 strings; the getters absorb
// both.
func (m *Map) UnmarshalJSON(data []byte) error {
	keyed := make(map[string]any)
	if err := sonic.ConfigStd.Unmarshal(data, &keyed); err != nil {
		return err
	}
	decoded, err := mapFromKeyed(keyed)
	if err != nil {
		return err
	}
	m.fields = decoded.fields
	return nil
}

func mapFromKeyed(keyed map[string]any) (*Map, error) {
	out := &Map{fields: make(map[uint32]any, len(keyed))}
	for key, val := range keyed {
		tag, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q is not a tag", ErrTagType, key)
		}
		out.fields[uint32(tag)] = val
	}
	return out, nil
}

// Tags returns the populated tags in ascending order.
func (m *Map) Tags() []uint32 {
	tags := make([]uint32, 0, len(m.fields))
	for tag := range m.fields {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
