package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/milvaion/milvaion/internal/domain"
)

// ErrInstanceNotRegistered indicates a heartbeat arrived for an instance
// whose registration already expired; the instance must re-register.
var ErrInstanceNotRegistered = errors.New("worker instance not registered")

// consumerCountTTL bounds how long a consumer counter outlives its last
// increment. Counters self-heal: a leaked count decays within the hour.
const consumerCountTTL = time.Hour

// Consumer counts never go below zero even when decrements outnumber
// increments after a lost counter expiry.
var decrFloorScript = redis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v < 0 then
	redis.call("SET", KEYS[1], 0)
	return 0
end
return v`)

// Heartbeat is one liveness report in a HeartbeatBulk batch.
type Heartbeat struct {
	Class           string
	InstanceID      string
	CurrentJobCount int
}

// WorkerRegistry tracks worker classes and their live instances in the
// coordination store. Liveness is TTL decay: a crashed worker cannot say
// goodbye, so records expire unless heartbeats keep refreshing them. The
// class descriptor expires on its own, longer TTL, refreshed by any
// instance heartbeat; its absence means no live workers for the class.
type WorkerRegistry struct {
	client      *redis.Client
	keys        Keys
	breaker     *CircuitBreaker
	instanceTTL time.Duration
	classTTL    time.Duration
}

// NewWorkerRegistry returns a registry with the given record TTLs.
func NewWorkerRegistry(client *redis.Client, keys Keys, breaker *CircuitBreaker, instanceTTL, classTTL time.Duration) *WorkerRegistry {
	return &WorkerRegistry{
		client:      client,
		keys:        keys,
		breaker:     breaker,
		instanceTTL: instanceTTL,
		classTTL:    classTTL,
	}
}

// Register writes the class descriptor and the instance record in one
// pipelined transaction. Registering an already-known class overwrites the
// descriptor: the newest worker build wins.
func (r *WorkerRegistry) Register(ctx context.Context, reg domain.WorkerRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	classFields, err := workerClassFields(domain.WorkerClass{
		Name:            reg.Class,
		RoutingPatterns: reg.RoutingPatterns,
		JobKinds:        reg.JobKinds,
		MaxParallelJobs: reg.MaxParallelJobs,
		Version:         reg.Version,
		Metadata:        reg.Metadata,
		UpdatedAt:       now,
	})
	if err != nil {
		return err
	}
	instFields := workerInstanceFields(domain.WorkerInstance{
		Class:         reg.Class,
		InstanceID:    reg.InstanceID,
		Hostname:      reg.Hostname,
		IPAddress:     reg.IPAddress,
		Status:        domain.WorkerStatusActive,
		LastHeartbeat: now,
		RegisteredAt:  now,
	})

	return Do(ctx, r.breaker, func(ctx context.Context) error {
		classKey := r.keys.WorkerClass(reg.Class)
		instKey := r.keys.WorkerInstance(reg.Class, reg.InstanceID)
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, classKey, classFields)
			pipe.Expire(ctx, classKey, r.classTTL)
			pipe.HSet(ctx, instKey, instFields)
			pipe.Expire(ctx, instKey, r.instanceTTL)
			return nil
		})
		if err != nil {
			return fmt.Errorf("register worker %s/%s: %w", reg.Class, reg.InstanceID, err)
		}
		return nil
	})
}

// Heartbeat refreshes one instance: job count, heartbeat time, and both
// record TTLs. An expired instance must re-register; heartbeats never
// resurrect records, otherwise a partial instance hash would shadow a real
// registration.
func (r *WorkerRegistry) Heartbeat(ctx context.Context, class, instanceID string, currentJobCount int) error {
	return Do(ctx, r.breaker, func(ctx context.Context) error {
		instKey := r.keys.WorkerInstance(class, instanceID)
		exists, err := r.client.Exists(ctx, instKey).Result()
		if err != nil {
			return fmt.Errorf("heartbeat %s/%s: %w", class, instanceID, err)
		}
		if exists == 0 {
			return ErrInstanceNotRegistered
		}

		now := time.Now().UTC()
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, instKey, map[string]interface{}{
				"currentJobCount": strconv.Itoa(currentJobCount),
				"lastHeartbeat":   now.Format(time.RFC3339Nano),
			})
			pipe.Expire(ctx, instKey, r.instanceTTL)
			pipe.Expire(ctx, r.keys.WorkerClass(class), r.classTTL)
			return nil
		})
		if err != nil {
			return fmt.Errorf("heartbeat %s/%s: %w", class, instanceID, err)
		}
		return nil
	})
}

// HeartbeatBulk refreshes many instances in two pipelined phases: existence
// checks, then updates for the live ones. Expired instances are logged and
// skipped; they must re-register.
func (r *WorkerRegistry) HeartbeatBulk(ctx context.Context, beats []Heartbeat) error {
	if len(beats) == 0 {
		return nil
	}
	return Do(ctx, r.breaker, func(ctx context.Context) error {
		pipe := r.client.Pipeline()
		existsCmds := make([]*redis.IntCmd, len(beats))
		for i, b := range beats {
			existsCmds[i] = pipe.Exists(ctx, r.keys.WorkerInstance(b.Class, b.InstanceID))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("heartbeat bulk exists: %w", err)
		}

		now := time.Now().UTC()
		update := r.client.Pipeline()
		touched := 0
		for i, b := range beats {
			if existsCmds[i].Val() == 0 {
				slog.WarnContext(ctx, "heartbeat for expired worker instance",
					"worker_class", b.Class, "instance_id", b.InstanceID)
				continue
			}
			instKey := r.keys.WorkerInstance(b.Class, b.InstanceID)
			update.HSet(ctx, instKey, map[string]interface{}{
				"currentJobCount": strconv.Itoa(b.CurrentJobCount),
				"lastHeartbeat":   now.Format(time.RFC3339Nano),
			})
			update.Expire(ctx, instKey, r.instanceTTL)
			update.Expire(ctx, r.keys.WorkerClass(b.Class), r.classTTL)
			touched++
		}
		if touched == 0 {
			return nil
		}
		if _, err := update.Exec(ctx); err != nil {
			return fmt.Errorf("heartbeat bulk update: %w", err)
		}
		return nil
	})
}

// GetWorker returns the class descriptor, or nil when no live workers
// exist. A descriptor whose instances have all expired is garbage-collected
// on this read and reported as absent.
func (r *WorkerRegistry) GetWorker(ctx context.Context, class string) (*domain.WorkerClass, error) {
	return Call(ctx, r.breaker, nil, func(ctx context.Context) (*domain.WorkerClass, error) {
		m, err := r.client.HGetAll(ctx, r.keys.WorkerClass(class)).Result()
		if err != nil {
			return nil, fmt.Errorf("get worker class %s: %w", class, err)
		}
		if len(m) == 0 {
			return nil, nil
		}

		live, err := r.hasLiveInstances(ctx, class)
		if err != nil {
			return nil, err
		}
		if !live {
			if err := r.client.Del(ctx, r.keys.WorkerClass(class)).Err(); err != nil {
				return nil, fmt.Errorf("gc worker class %s: %w", class, err)
			}
			slog.InfoContext(ctx, "garbage-collected worker class with no live instances",
				"worker_class", class)
			return nil, nil
		}

		wc, err := workerClassFromFields(m)
		if err != nil {
			slog.WarnContext(ctx, "undecodable worker class record", "worker_class", class, "error", err)
			return nil, nil
		}
		return wc, nil
	})
}

// ListWorkers returns every class with at least one live instance.
func (r *WorkerRegistry) ListWorkers(ctx context.Context) ([]domain.WorkerClass, error) {
	return Call(ctx, r.breaker, nil, func(ctx context.Context) ([]domain.WorkerClass, error) {
		var classes []domain.WorkerClass
		iter := r.client.Scan(ctx, 0, r.keys.WorkerClassPattern(), 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if strings.Contains(key, ":instances:") {
				continue
			}
			m, err := r.client.HGetAll(ctx, key).Result()
			if err != nil || len(m) == 0 {
				continue
			}
			wc, err := workerClassFromFields(m)
			if err != nil {
				slog.WarnContext(ctx, "undecodable worker class record", "key", key, "error", err)
				continue
			}
			live, err := r.hasLiveInstances(ctx, wc.Name)
			if err != nil {
				return nil, err
			}
			if !live {
				continue
			}
			classes = append(classes, *wc)
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("list worker classes: %w", err)
		}
		return classes, nil
	})
}

// ListInstances returns the live instances of one class.
func (r *WorkerRegistry) ListInstances(ctx context.Context, class string) ([]domain.WorkerInstance, error) {
	return Call(ctx, r.breaker, nil, func(ctx context.Context) ([]domain.WorkerInstance, error) {
		var instances []domain.WorkerInstance
		iter := r.client.Scan(ctx, 0, r.keys.WorkerInstancePattern(class), 100).Iterator()
		for iter.Next(ctx) {
			m, err := r.client.HGetAll(ctx, iter.Val()).Result()
			if err != nil || len(m) == 0 {
				continue
			}
			inst, err := workerInstanceFromFields(m)
			if err != nil {
				slog.WarnContext(ctx, "undecodable worker instance record", "key", iter.Val(), "error", err)
				continue
			}
			instances = append(instances, *inst)
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("list worker instances %s: %w", class, err)
		}
		return instances, nil
	})
}

// Capacity estimates the free parallel slots across the class's live
// instances. Zero means saturated (or no live workers); the dispatcher
// treats it as telemetry, not admission control.
func (r *WorkerRegistry) Capacity(ctx context.Context, class string) (int, error) {
	wc, err := r.GetWorker(ctx, class)
	if err != nil || wc == nil {
		return 0, err
	}
	instances, err := r.ListInstances(ctx, class)
	if err != nil {
		return 0, err
	}
	capacity := 0
	for _, inst := range instances {
		if free := wc.MaxParallelJobs - inst.CurrentJobCount; free > 0 {
			capacity += free
		}
	}
	return capacity, nil
}

// ConsumerCapacity is Capacity minus the in-flight dispatches for one job
// kind, floored at zero.
func (r *WorkerRegistry) ConsumerCapacity(ctx context.Context, class, kind string) (int, error) {
	capacity, err := r.Capacity(ctx, class)
	if err != nil {
		return 0, err
	}
	count, err := r.ConsumerCount(ctx, class, kind)
	if err != nil {
		return 0, err
	}
	if free := capacity - int(count); free > 0 {
		return free, nil
	}
	return 0, nil
}

// IncrConsumer bumps the in-flight counter for (class, kind) and refreshes
// its decay TTL.
func (r *WorkerRegistry) IncrConsumer(ctx context.Context, class, kind string) error {
	return Do(ctx, r.breaker, func(ctx context.Context) error {
		key := r.keys.ConsumerCount(class, kind)
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, consumerCountTTL)
			return nil
		})
		if err != nil {
			return fmt.Errorf("incr consumer %s/%s: %w", class, kind, err)
		}
		return nil
	})
}

// DecrConsumer decrements the in-flight counter, clamped at zero.
func (r *WorkerRegistry) DecrConsumer(ctx context.Context, class, kind string) error {
	return Do(ctx, r.breaker, func(ctx context.Context) error {
		key := r.keys.ConsumerCount(class, kind)
		if err := decrFloorScript.Run(ctx, r.client, []string{key}).Err(); err != nil {
			return fmt.Errorf("decr consumer %s/%s: %w", class, kind, err)
		}
		return nil
	})
}

// ConsumerCount returns the current in-flight counter for (class, kind).
func (r *WorkerRegistry) ConsumerCount(ctx context.Context, class, kind string) (int64, error) {
	return Call(ctx, r.breaker, 0, func(ctx context.Context) (int64, error) {
		n, err := r.client.Get(ctx, r.keys.ConsumerCount(class, kind)).Int64()
		if err == redis.Nil {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("consumer count %s/%s: %w", class, kind, err)
		}
		return n, nil
	})
}

func (r *WorkerRegistry) hasLiveInstances(ctx context.Context, class string) (bool, error) {
	iter := r.client.Scan(ctx, 0, r.keys.WorkerInstancePattern(class), 1).Iterator()
	if iter.Next(ctx) {
		return true, nil
	}
	if err := iter.Err(); err != nil {
		return false, fmt.Errorf("scan worker instances %s: %w", class, err)
	}
	return false, nil
}

func workerClassFields(wc domain.WorkerClass) (map[string]interface{}, error) {
	patterns, err := json.Marshal(wc.RoutingPatterns)
	if err != nil {
		return nil, fmt.Errorf("encode routing patterns: %w", err)
	}
	kinds, err := json.Marshal(wc.JobKinds)
	if err != nil {
		return nil, fmt.Errorf("encode job kinds: %w", err)
	}
	fields := map[string]interface{}{
		"name":            wc.Name,
		"routingPatterns": string(patterns),
		"jobKinds":        string(kinds),
		"maxParallelJobs": strconv.Itoa(wc.MaxParallelJobs),
		"version":         wc.Version,
		"updatedAt":       wc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(wc.Metadata) > 0 {
		meta, err := json.Marshal(wc.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		fields["metadata"] = string(meta)
	}
	return fields, nil
}

func workerClassFromFields(m map[string]string) (*domain.WorkerClass, error) {
	wc := &domain.WorkerClass{
		Name:    m["name"],
		Version: m["version"],
	}
	if wc.Name == "" {
		return nil, fmt.Errorf("worker class record missing name")
	}
	if err := json.Unmarshal([]byte(m["routingPatterns"]), &wc.RoutingPatterns); err != nil {
		return nil, fmt.Errorf("worker class %s: routingPatterns: %w", wc.Name, err)
	}
	if err := json.Unmarshal([]byte(m["jobKinds"]), &wc.JobKinds); err != nil {
		return nil, fmt.Errorf("worker class %s: jobKinds: %w", wc.Name, err)
	}
	var err error
	if wc.MaxParallelJobs, err = strconv.Atoi(m["maxParallelJobs"]); err != nil {
		return nil, fmt.Errorf("worker class %s: maxParallelJobs: %w", wc.Name, err)
	}
	if wc.UpdatedAt, err = time.Parse(time.RFC3339Nano, m["updatedAt"]); err != nil {
		return nil, fmt.Errorf("worker class %s: updatedAt: %w", wc.Name, err)
	}
	wc.UpdatedAt = wc.UpdatedAt.UTC()
	if v, ok := m["metadata"]; ok {
		if err := json.Unmarshal([]byte(v), &wc.Metadata); err != nil {
			return nil, fmt.Errorf("worker class %s: metadata: %w", wc.Name, err)
		}
	}
	return wc, nil
}

func workerInstanceFields(inst domain.WorkerInstance) map[string]interface{} {
	return map[string]interface{}{
		"class":           inst.Class,
		"instanceId":      inst.InstanceID,
		"hostname":        inst.Hostname,
		"ipAddress":       inst.IPAddress,
		"currentJobCount": strconv.Itoa(inst.CurrentJobCount),
		"status":          string(inst.Status),
		"lastHeartbeat":   inst.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		"registeredAt":    inst.RegisteredAt.UTC().Format(time.RFC3339Nano),
	}
}

func workerInstanceFromFields(m map[string]string) (*domain.WorkerInstance, error) {
	inst := &domain.WorkerInstance{
		Class:      m["class"],
		InstanceID: m["instanceId"],
		Hostname:   m["hostname"],
		IPAddress:  m["ipAddress"],
		Status:     domain.WorkerStatus(m["status"]),
	}
	if inst.InstanceID == "" {
		return nil, fmt.Errorf("worker instance record missing instanceId")
	}
	var err error
	if inst.CurrentJobCount, err = strconv.Atoi(m["currentJobCount"]); err != nil {
		return nil, fmt.Errorf("worker instance %s: currentJobCount: %w", inst.InstanceID, err)
	}
	if inst.LastHeartbeat, err = time.Parse(time.RFC3339Nano, m["lastHeartbeat"]); err != nil {
		return nil, fmt.Errorf("worker instance %s: lastHeartbeat: %w", inst.InstanceID, err)
	}
	if inst.RegisteredAt, err = time.Parse(time.RFC3339Nano, m["registeredAt"]); err != nil {
		return nil, fmt.Errorf("worker instance %s: registeredAt: %w", inst.InstanceID, err)
	}
	inst.LastHeartbeat = inst.LastHeartbeat.UTC()
	inst.RegisteredAt = inst.RegisteredAt.UTC()
	return inst, nil
}
