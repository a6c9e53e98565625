// Copyright (c) 2024 homuler
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file or at
// https://opensource.org/licenses/MIT.

// mitm-proxy is an intercepting HTTP proxy. Requests sent through it, including
// the ones tunneled with CONNECT, are decrypted with certificates issued by the
// configured CA and forwarded to their origin.
//
// Usage:
//
//	# Start with a CA created beforehand
//	mitm-proxy --ca-cert ca-cert.pem --ca-key ca-key.pem
//
//	# Start with a configuration file and expose /metrics and /ca.pem
//	mitm-proxy --config config.yaml --metrics 127.0.0.1:9090
package main

func main() {
	Execute()
}
