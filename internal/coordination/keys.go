package coordination

// DefaultKeyPrefix namespaces all coordination keys.
const DefaultKeyPrefix = "M:JS:"

// ResourceDispatcherLeader is the lock resource backing dispatcher leader
// election. Exactly one node holds it at a time.
const ResourceDispatcherLeader = "dispatcher/leader"

// Keys builds the coordination key layout under a configurable prefix.
// Several deployments can share one Redis by using distinct prefixes.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder for the given prefix, falling back to the
// default when empty.
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return Keys{prefix: prefix}
}

// Schedule is the sorted set of jobId scored by next fire time (unix seconds).
func (k Keys) Schedule() string { return k.prefix + "scheduled_jobs" }

// Job is the cached job hash, one field per attribute, with a TTL.
func (k Keys) Job(jobID string) string { return k.prefix + "job:" + jobID }

// Lock addresses one named lock. The dispatcher lease uses
// ResourceDispatcherLeader; the API layer locks individual jobs by id.
func (k Keys) Lock(resource string) string { return k.prefix + "lock:" + resource }

// Running is the set of jobIds with an occurrence in flight.
func (k Keys) Running() string { return k.prefix + "running_jobs" }

// WorkerClass is the descriptor hash for one worker class.
func (k Keys) WorkerClass(class string) string { return k.prefix + "workers:" + class }

// WorkerClassPattern matches all worker class descriptor keys.
func (k Keys) WorkerClassPattern() string { return k.prefix + "workers:*" }

// WorkerInstance is one instance registration under a class, with a TTL.
func (k Keys) WorkerInstance(class, instanceID string) string {
	return k.prefix + "workers:" + class + ":instances:" + instanceID
}

// WorkerInstancePattern matches all instance registrations of a class.
func (k Keys) WorkerInstancePattern(class string) string {
	return k.prefix + "workers:" + class + ":instances:*"
}

// ConsumerCount tracks active consumers for one class and job kind.
func (k Keys) ConsumerCount(class, kind string) string {
	return k.prefix + "consumer:" + class + ":" + kind + ":count"
}

// CancellationChannel is the pub/sub channel cancellation requests fan out on.
func (k Keys) CancellationChannel() string { return k.prefix + "cancellation_channel" }
