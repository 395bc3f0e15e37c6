package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valkey-io/valkey-go"
)

// ValkeyStore is the replicated backend: one JSON document per record key,
// partial updates applied server-side by a Lua script so a merge is atomic
// per record, and change fan-out over pub/sub channels. Every device pointed
// at the same valkey deployment sees the same session tree.
//
// A subscription primes itself with a point read before subscribing; a write
// landing between the two is missed until the next change re-delivers the
// full document. That window is acceptable for an eventually-consistent
// snapshot feed.
type ValkeyStore struct {
	client valkey.Client
	logger *logrus.Logger
	prefix string
	ttl    time.Duration
	merge  *valkey.Lua
}

// ValkeyConfig holds valkey connection configuration.
type ValkeyConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// mergeScript applies a batch of field operations to one JSON document and
// publishes the result, all inside the server so concurrent partial updates
// to the same record never clobber each other's sibling fields.
const mergeScript = `
local raw = redis.call('GET', KEYS[1])
local doc = {}
if raw then doc = cjson.decode(raw) end
local ops = cjson.decode(ARGV[1])
for _, op in ipairs(ops) do
  if type(doc) ~= 'table' then doc = {} end
  local cur = doc
  for i = 1, #op.path - 1 do
    local seg = op.path[i]
    if type(cur[seg]) ~= 'table' then cur[seg] = {} end
    cur = cur[seg]
  end
  local last = op.path[#op.path]
  if op.delete then cur[last] = nil else cur[last] = op.value end
end
local out = cjson.encode(doc)
redis.call('SET', KEYS[1], out)
if tonumber(ARGV[3]) > 0 then redis.call('EXPIRE', KEYS[1], ARGV[3]) end
redis.call('PUBLISH', ARGV[2], out)
return 1
`

// NewValkeyStore connects to valkey and verifies the connection.
func NewValkeyStore(cfg ValkeyConfig, logger *logrus.Logger) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Addr},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey connection failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "jam:"
	}
	return &ValkeyStore{
		client: client,
		logger: logger,
		prefix: prefix,
		ttl:    cfg.TTL,
		merge:  valkey.NewLuaScript(mergeScript),
	}, nil
}

func (s *ValkeyStore) key(recordKey string) string {
	return s.prefix + strings.ReplaceAll(recordKey, "/", ":")
}

func (s *ValkeyStore) channel(recordKey string) string {
	return s.prefix + "changes:" + recordKey
}

func (s *ValkeyStore) ttlSeconds() string {
	return fmt.Sprintf("%d", int(s.ttl.Seconds()))
}

// loadRecord reads and decodes one record document.
func (s *ValkeyStore) loadRecord(ctx context.Context, recordKey string) (interface{}, bool, error) {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(recordKey)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load record %s: %w", recordKey, err)
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		s.logger.WithError(err).WithField("key", recordKey).Warn("Discarding undecodable record")
		return nil, false, nil
	}
	return doc, true, nil
}

type mergeOp struct {
	Path   []string    `json:"path"`
	Value  interface{} `json:"value,omitempty"`
	Delete bool        `json:"delete,omitempty"`
}

// applyOps runs the merge script against one record.
func (s *ValkeyStore) applyOps(ctx context.Context, recordKey string, ops []mergeOp) error {
	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to encode update for %s: %w", recordKey, err)
	}
	resp := s.merge.Exec(ctx, s.client, []string{s.key(recordKey)},
		[]string{string(payload), s.channel(recordKey), s.ttlSeconds()})
	if err := resp.Error(); err != nil {
		return fmt.Errorf("failed to update record %s: %w", recordKey, err)
	}
	return nil
}

// Get reads the value at path.
func (s *ValkeyStore) Get(ctx context.Context, path string) (interface{}, bool, error) {
	recordKey, fields, err := recordPath(path)
	if err != nil {
		return nil, false, err
	}
	record, ok, err := s.loadRecord(ctx, recordKey)
	if err != nil || !ok {
		return nil, false, err
	}
	v, ok := getField(record, fields)
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

// Set replaces the value at path.
func (s *ValkeyStore) Set(ctx context.Context, path string, value interface{}) error {
	recordKey, fields, err := recordPath(path)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", recordKey, err)
		}
		cmds := make(valkey.Commands, 0, 3)
		cmds = append(cmds, s.client.B().Set().Key(s.key(recordKey)).Value(string(raw)).Build())
		if s.ttl > 0 {
			cmds = append(cmds, s.client.B().Expire().Key(s.key(recordKey)).Seconds(int64(s.ttl.Seconds())).Build())
		}
		cmds = append(cmds, s.client.B().Publish().Channel(s.channel(recordKey)).Message(string(raw)).Build())
		for _, resp := range s.client.DoMulti(ctx, cmds...) {
			if err := resp.Error(); err != nil {
				return fmt.Errorf("failed to store record %s: %w", recordKey, err)
			}
		}
		return nil
	}
	return s.applyOps(ctx, recordKey, []mergeOp{{Path: fields, Value: value}})
}

// UpdateChildren applies sibling-field writes under path atomically within
// the record.
func (s *ValkeyStore) UpdateChildren(ctx context.Context, path string, fields map[string]interface{}) error {
	recordKey, base, err := recordPath(path)
	if err != nil {
		return err
	}
	ops := make([]mergeOp, 0, len(fields))
	for field, value := range fields {
		segs := append(append([]string{}, base...), splitPath(field)...)
		if value == nil {
			ops = append(ops, mergeOp{Path: segs, Delete: true})
		} else {
			ops = append(ops, mergeOp{Path: segs, Value: value})
		}
	}
	return s.applyOps(ctx, recordKey, ops)
}

// Push returns a fresh child id for path.
func (s *ValkeyStore) Push(_ context.Context, _ string) (string, error) {
	return NewPushID(), nil
}

// Remove deletes the value at path.
func (s *ValkeyStore) Remove(ctx context.Context, path string) error {
	recordKey, fields, err := recordPath(path)
	if err != nil {
		return err
	}
	if len(fields) > 0 {
		return s.applyOps(ctx, recordKey, []mergeOp{{Path: fields, Delete: true}})
	}
	cmds := valkey.Commands{
		s.client.B().Del().Key(s.key(recordKey)).Build(),
		s.client.B().Publish().Channel(s.channel(recordKey)).Message("null").Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to remove record %s: %w", recordKey, err)
		}
	}
	return nil
}

// Observe watches the value at path over the record's pub/sub channel.
func (s *ValkeyStore) Observe(path string) (*Subscription, error) {
	recordKey, fields, err := recordPath(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan interface{}, watchBuffer)

	go func() {
		defer close(ch)

		if current, ok, err := s.loadRecord(ctx, recordKey); err == nil && ok {
			if v, ok := getField(current, fields); ok {
				sendValue(ch, v)
			}
		}

		err := s.client.Receive(ctx, s.client.B().Subscribe().Channel(s.channel(recordKey)).Build(), func(msg valkey.PubSubMessage) {
			var doc interface{}
			if err := json.Unmarshal([]byte(msg.Message), &doc); err != nil {
				s.logger.WithError(err).WithField("key", recordKey).Warn("Dropping undecodable change notification")
				return
			}
			v, ok := getField(doc, fields)
			if !ok {
				sendValue(ch, nil)
				return
			}
			sendValue(ch, v)
		})
		if err != nil && ctx.Err() == nil {
			s.logger.WithError(err).WithField("key", recordKey).Warn("Change subscription ended")
		}
	}()

	return &Subscription{C: ch, cancel: cancel}, nil
}

// ObserveChildren watches child events for the record at path, diffing each
// published document against the previous one.
func (s *ValkeyStore) ObserveChildren(path string, limit int) (*ChildSubscription, error) {
	recordKey, fields, err := recordPath(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan ChildEvent, watchBuffer)

	go func() {
		defer close(ch)

		var last interface{}
		if current, ok, err := s.loadRecord(ctx, recordKey); err == nil && ok {
			last = current
			doc, _ := getField(current, fields)
			m, _ := doc.(map[string]interface{})
			for _, key := range childKeys(m, limit) {
				if child, ok := m[key].(map[string]interface{}); ok {
					sendChild(ch, ChildEvent{Kind: ChildAdded, Key: key, Value: child})
				}
			}
		}

		err := s.client.Receive(ctx, s.client.B().Subscribe().Channel(s.channel(recordKey)).Build(), func(msg valkey.PubSubMessage) {
			var doc interface{}
			if err := json.Unmarshal([]byte(msg.Message), &doc); err != nil {
				return
			}
			for _, ev := range diffChildren(last, doc, fields) {
				sendChild(ch, ev)
			}
			last = doc
		})
		if err != nil && ctx.Err() == nil {
			s.logger.WithError(err).WithField("key", recordKey).Warn("Child subscription ended")
		}
	}()

	return &ChildSubscription{C: ch, cancel: cancel}, nil
}

// Close shuts down the client, which also terminates open subscriptions.
func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

func sendValue(ch chan interface{}, v interface{}) {
	sendLatest(ch, v)
}

func sendChild(ch chan ChildEvent, ev ChildEvent) {
	sendLatest(ch, ev)
}
