package kv

import "fmt"

// Key layout conventions shared by every caller of the KV store (spec.md
// §6): node:<uuid>, resource:<uuid>, task:<task_id>,
// event:<node_uuid>:<20-digit-zero-padded event_id>.

func NodeKey(uuid string) string     { return "node:" + uuid }
func ResourceKey(uuid string) string { return "resource:" + uuid }
func TaskKey(taskID string) string   { return "task:" + taskID }

// EventKey formats a per-node event key with a 20-digit zero-padded
// event_id so lexicographic and numeric ordering agree.
func EventKey(nodeUUID string, eventID uint64) string {
	return fmt.Sprintf("event:%s:%020d", nodeUUID, eventID)
}

// EventPrefix is the KeysWithPrefix/ScanPrefix prefix covering every event
// for a node.
func EventPrefix(nodeUUID string) string {
	return fmt.Sprintf("event:%s:", nodeUUID)
}
