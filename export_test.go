package mitm

var NewHijackedConn = newHijackedConn

func (s *CertificateStore) PendingLen(hostname string) (int, bool) {
	return s.pendingLen(hostname)
}

// OnDelivered sets a function called with the arrival ticket of every waiter, in delivery order,
// right before the waiter receives its result.
// It must be set before the first call to GetCertificate.
func (s *CertificateStore) OnDelivered(f func(hostname string, ticket uint64)) {
	s.delivered = f
}
