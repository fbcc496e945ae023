package notify

// inEscalationRange generalizes gogios's separate
// ServiceEscalation/HostEscalation FirstNotification/LastNotification
// windowing directly onto a Notification's own Begin/End bounds: a
// Notification with Begin==0 && End==0 always participates (the common
// non-escalation case), matching Icinga2's own "no Begin/End set"
// default.
func inEscalationRange(n *Notification, notificationNumber int) bool {
	if n.Begin > 0 && notificationNumber < n.Begin {
		return false
	}
	if n.End > 0 && notificationNumber > n.End {
		return false
	}
	return true
}
