package buffer

import (
	"context"
	"encoding/json"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/core/store"
)

const maxCASAttempts = 5

// Store 缓冲快照的共享存储持久化，TTL 等于恢复窗口
type Store struct {
	store    store.SharedStore
	window   time.Duration
	capacity int
}

// NewStore 创建缓冲存储
func NewStore(s store.SharedStore, resumeWindow time.Duration, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{store: s, window: resumeWindow, capacity: capacity}
}

// Capacity 单个缓冲的容量
func (s *Store) Capacity() int {
	return s.capacity
}

// Window 缓冲保留时长
func (s *Store) Window() time.Duration {
	return s.window
}

// Handle 本实例持有的缓冲，以及最近一次写入共享存储的版本
type Handle struct {
	Buffer *ResumeBuffer

	s         *Store
	key       string
	saved     []byte
	savedNext uint64
}

func (s *Store) decode(raw []byte) (State, error) {
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, coreerrors.Wrap(err, coreerrors.CodeInternal, "decode resume buffer failed")
	}
	return st, nil
}

func (s *Store) unavailable(err error, op string) error {
	return coreerrors.Wrapf(err, coreerrors.CodeStoreUnavailable, "resume buffer %s failed", op)
}

// Load 读取缓冲；不存在时返回空缓冲与 false
func (s *Store) Load(ctx context.Context, deviceID, companionID string) (*Handle, bool, error) {
	key := store.ResumeKey(deviceID, companionID)
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if store.IsNotFound(err) {
			return &Handle{Buffer: New(s.capacity), s: s, key: key, savedNext: 1}, false, nil
		}
		return nil, false, s.unavailable(err, "load")
	}
	st, err := s.decode(raw)
	if err != nil {
		return nil, false, err
	}
	buf := Restore(st, s.capacity)
	return &Handle{Buffer: buf, s: s, key: key, saved: raw, savedNext: buf.LastSeq() + 1}, true, nil
}

// Fresh 删除旧缓冲，从空缓冲开始
func (s *Store) Fresh(ctx context.Context, deviceID, companionID string) (*Handle, error) {
	if err := s.Delete(ctx, deviceID, companionID); err != nil {
		return nil, err
	}
	return &Handle{Buffer: New(s.capacity), s: s, key: store.ResumeKey(deviceID, companionID), savedNext: 1}, nil
}

// Detached 不读取共享存储的空缓冲，用于存储不可用时继续服务
func (s *Store) Detached(deviceID, companionID string) *Handle {
	return &Handle{Buffer: New(s.capacity), s: s, key: store.ResumeKey(deviceID, companionID), savedNext: 1}
}

// Save 以上次保存的版本为期望值写入；期间若有其他实例追加，
// 将对方追加的消息并入本地缓冲后重试
func (h *Handle) Save(ctx context.Context) error {
	expected := h.saved
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, err := json.Marshal(h.Buffer.Snapshot())
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.CodeInternal, "encode resume buffer failed")
		}
		ok, current, err := h.s.store.CheckAndSet(ctx, h.key, expected, raw, h.s.window)
		if err != nil {
			return h.s.unavailable(err, "save")
		}
		if ok {
			h.saved = raw
			h.savedNext = h.Buffer.LastSeq() + 1
			return nil
		}
		if current == nil {
			expected = nil
			continue
		}
		foreign, err := h.s.decode(current)
		if err != nil {
			return err
		}
		for _, m := range foreign.Messages {
			if m.Seq >= h.savedNext {
				h.Buffer.Enqueue(m.Type, m.Body)
			}
		}
		h.savedNext = foreign.NextSeq
		expected = current
	}
	return coreerrors.New(coreerrors.CodeConflict, "resume buffer changed concurrently")
}

// Append 非持有方向共享缓冲追加一条消息；持有方下次 Save 时并入
func (s *Store) Append(ctx context.Context, deviceID, companionID, typ string, body []byte) (Message, int, error) {
	key := store.ResumeKey(deviceID, companionID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, err := s.store.Get(ctx, key)
		var buf *ResumeBuffer
		switch {
		case err == nil:
			st, derr := s.decode(raw)
			if derr != nil {
				return Message{}, 0, derr
			}
			buf = Restore(st, s.capacity)
		case store.IsNotFound(err):
			raw = nil
			buf = New(s.capacity)
		default:
			return Message{}, 0, s.unavailable(err, "append")
		}

		m, evicted := buf.Enqueue(typ, body)
		next, err := json.Marshal(buf.Snapshot())
		if err != nil {
			return Message{}, 0, coreerrors.Wrap(err, coreerrors.CodeInternal, "encode resume buffer failed")
		}
		ok, _, err := s.store.CheckAndSet(ctx, key, raw, next, s.window)
		if err != nil {
			return Message{}, 0, s.unavailable(err, "append")
		}
		if ok {
			return m, evicted, nil
		}
	}
	return Message{}, 0, coreerrors.New(coreerrors.CodeConflict, "resume buffer changed concurrently")
}

// Delete 删除缓冲
func (s *Store) Delete(ctx context.Context, deviceID, companionID string) error {
	if err := s.store.Delete(ctx, store.ResumeKey(deviceID, companionID)); err != nil {
		return s.unavailable(err, "delete")
	}
	return nil
}
