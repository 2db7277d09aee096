package capture

import (
	"crypto/tls"
	"path"

	"github.com/spiffe/go-spiffe/v2/spiffetls"

	"github.com/agentworkforce/contextfile/internal/consumer"
)

// PeerCertificateSignal derives a candidate identity from a verified client
// certificate. A SPIFFE URI SAN wins; its last path segment is the workload
// name. Otherwise the leaf certificate's common name is used.
func PeerCertificateSignal(state *tls.ConnectionState) (consumer.Signal, bool) {
	if state == nil || len(state.PeerCertificates) == 0 {
		return consumer.Signal{}, false
	}
	if peerID, err := spiffetls.PeerIDFromConnectionState(*state); err == nil {
		name := path.Base(peerID.Path())
		if name == "." || name == "/" || name == "" {
			name = peerID.String()
		}
		return consumer.Signal{
			Provenance: consumer.ProvenanceClientCert,
			Name:       "spiffe-id",
			Value:      name,
		}, true
	}
	if cn := state.PeerCertificates[0].Subject.CommonName; cn != "" {
		return consumer.Signal{
			Provenance: consumer.ProvenanceClientCert,
			Name:       "common-name",
			Value:      cn,
		}, true
	}
	return consumer.Signal{}, false
}
