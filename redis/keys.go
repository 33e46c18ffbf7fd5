package redis

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "durable:"

// executionKey holds the JSON execution record: durable:exec:{id}
func (s *Store) executionKey(id string) string { return s.prefix + "exec:" + id }

// executionIndexKey is the Sorted Set of execution ids scored by creation time.
func (s *Store) executionIndexKey() string { return s.prefix + "executions" }

// stepKey holds one JSON step record: durable:step:{execution}:{step}
func (s *Store) stepKey(executionID, stepID string) string {
	return s.prefix + "step:" + executionID + ":" + stepID
}

// stepOrderKey is the List of step ids of an execution in commit order.
func (s *Store) stepOrderKey(executionID string) string { return s.prefix + "steps:" + executionID }

// callbackKey holds one JSON callback record: durable:cb:{id}
func (s *Store) callbackKey(id string) string { return s.prefix + "cb:" + id }

// callbackPositionKey maps a wait position to its callback id.
func (s *Store) callbackPositionKey(executionID, stepID string) string {
	return s.prefix + "cbpos:" + executionID + ":" + stepID
}

// callbackIndexKey is the Set of callback ids owned by an execution.
func (s *Store) callbackIndexKey(executionID string) string { return s.prefix + "cbs:" + executionID }
