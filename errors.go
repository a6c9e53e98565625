package mitm

import "errors"

var (
	// ErrCertGeneration is returned when a step of the signing pipeline fails.
	ErrCertGeneration = errors.New("mitm: certificate generation failed")
	// ErrFilesystem is returned when certificate files cannot be read or written.
	ErrFilesystem = errors.New("mitm: certificate files unavailable")
	// ErrInvalidHostname is returned for hostnames that cannot be safely used as file names or subjects.
	ErrInvalidHostname = errors.New("mitm: invalid hostname")

	// ErrCertificate is returned by the registry when no usable certificate could be obtained.
	ErrCertificate = errors.New("mitm: certificate unavailable")
	// ErrListenBind is returned when a secure listener cannot bind.
	ErrListenBind = errors.New("mitm: failed to bind a secure listener")

	ErrInvalidConnectTarget = errors.New("mitm: invalid CONNECT target")
	ErrTunnelResolution     = errors.New("mitm: tunnel upstream unavailable")

	ErrServerStarted = errors.New("mitm: server already listening")
	ErrServerClosed  = errors.New("mitm: server closed")
	ErrInvalidConfig = errors.New("invalid mitm.Server configuration")
)
