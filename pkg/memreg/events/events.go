/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-memreg/pkg/memreg/region"
)

const (
	RegionPublishedEventTag   = "RegionPublished"
	RegionRevokedEventTag     = "RegionRevoked"
	AllRegionsRevokedEventTag = "AllRegionsRevoked"
)

type event interface {
	isEvent()
	ToTaggedUnion() []any
}

// EventBatch represents a batch of events.
// It is encoded as an array.
type EventBatch struct {
	_      struct{} `msgpack:",array"`
	TS     float64
	Events []msgpack.RawMessage
}

// RegionPublished announces a registration remote peers may access.
type RegionPublished struct {
	_      struct{} `msgpack:",array"`
	Base   uint64
	Length uint64
	RKey   uint32
	ID     uint64
}

func (rp RegionPublished) ToTaggedUnion() []any {
	return []any{
		RegionPublishedEventTag,
		rp.Base,
		rp.Length,
		rp.RKey,
		rp.ID,
	}
}

func (RegionPublished) isEvent() {}

// Range returns the published range.
func (rp RegionPublished) Range() region.Range {
	return region.New(uintptr(rp.Base), rp.Length)
}

// RegionRevoked withdraws a registration.
type RegionRevoked struct {
	_      struct{} `msgpack:",array"`
	Base   uint64
	Length uint64
	ID     uint64
}

func (rr RegionRevoked) ToTaggedUnion() []any {
	return []any{
		RegionRevokedEventTag,
		rr.Base,
		rr.Length,
		rr.ID,
	}
}

func (RegionRevoked) isEvent() {}

// Range returns the revoked range.
func (rr RegionRevoked) Range() region.Range {
	return region.New(uintptr(rr.Base), rr.Length)
}

// AllRegionsRevoked withdraws every registration of the sender, e.g. on
// restart.
type AllRegionsRevoked struct {
	_ struct{} `msgpack:",array"`
}

func (ar AllRegionsRevoked) ToTaggedUnion() []any {
	return []any{
		AllRegionsRevokedEventTag,
	}
}

func (AllRegionsRevoked) isEvent() {}

// EncodeBatch encodes events as one EventBatch payload.
func EncodeBatch(ts float64, events ...event) ([]byte, error) {
	batch := EventBatch{TS: ts, Events: make([]msgpack.RawMessage, 0, len(events))}
	for _, ev := range events {
		raw, err := msgpack.Marshal(ev.ToTaggedUnion())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		batch.Events = append(batch.Events, raw)
	}

	payload, err := msgpack.Marshal(&batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event batch: %w", err)
	}
	return payload, nil
}

// decodeBatch decodes an EventBatch payload. Undecodable events are reported
// through skip and left out.
func decodeBatch(payload []byte, skip func(err error, tag string)) ([]event, error) {
	var eventBatch EventBatch
	if err := msgpack.Unmarshal(payload, &eventBatch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event batch: %w", err)
	}

	events := make([]event, 0, len(eventBatch.Events))
	for _, rawEvent := range eventBatch.Events {
		var taggedUnion []msgpack.RawMessage
		if err := msgpack.Unmarshal(rawEvent, &taggedUnion); err != nil {
			skip(err, "")
			continue
		}
		if len(taggedUnion) < 1 {
			skip(fmt.Errorf("malformed tagged union, no tag element"), "")
			continue
		}

		var tag string
		if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
			skip(err, "")
			continue
		}

		// array_like tagged union: re-marshal the tail into a payload array
		payloadBytes, err := msgpack.Marshal(taggedUnion[1:])
		if err != nil {
			skip(err, tag)
			continue
		}

		var ev event
		var unmarshalErr error
		switch tag {
		case RegionPublishedEventTag:
			var rp RegionPublished
			unmarshalErr = msgpack.Unmarshal(payloadBytes, &rp)
			ev = rp
		case RegionRevokedEventTag:
			var rr RegionRevoked
			unmarshalErr = msgpack.Unmarshal(payloadBytes, &rr)
			ev = rr
		case AllRegionsRevokedEventTag:
			var ar AllRegionsRevoked
			unmarshalErr = msgpack.Unmarshal(payloadBytes, &ar)
			ev = ar
		default:
			skip(fmt.Errorf("unknown event tag"), tag)
			continue
		}

		if unmarshalErr != nil {
			skip(unmarshalErr, tag)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
