package engine

import "strings"

// Subject layout shared by every producer and consumer on the bus. The type
// name suffix must be the fully qualified message type name, byte for byte.
const (
	broadcastPrefix = "system.broadcast."
	directPrefix    = "system.direct."
)

// BroadcastSubject returns the subject every subscriber of typeName listens
// on: "system.broadcast.<FullyQualifiedTypeName>".
func BroadcastSubject(typeName string) string {
	return broadcastPrefix + typeName
}

// PointToPointSubject returns the subject addressed at one service instance:
// "system.direct.<TargetServiceUID>.<FullyQualifiedTypeName>".
func PointToPointSubject(targetUID, typeName string) string {
	return directPrefix + targetUID + "." + typeName
}

// typeFromBroadcast extracts the type name from a broadcast subject.
func typeFromBroadcast(subject string) (string, bool) {
	name, ok := strings.CutPrefix(subject, broadcastPrefix)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// typeFromDirect extracts the type name from a point-to-point subject
// addressed at uid. Type names may themselves contain dots, so everything
// after the uid segment belongs to the type.
func typeFromDirect(uid, subject string) (string, bool) {
	name, ok := strings.CutPrefix(subject, directPrefix+uid+".")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}
