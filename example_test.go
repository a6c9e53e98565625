package mitm_test

import (
	"fmt"
	"log"
	"net/http"

	"github.com/homuler/mitm-proxy-go"
)

func ExampleParseConnectTarget() {
	for _, target := range []string{"example.com:443", "example.com", "[::1]:8443"} {
		host, port, err := mitm.ParseConnectTarget(target)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(host, port)
	}
	// Output:
	// example.com 443
	// example.com 80
	// ::1 8443
}

func ExampleValidateHostname() {
	fmt.Println(mitm.ValidateHostname("www.example.com") == nil)
	fmt.Println(mitm.ValidateHostname("example.com; rm -rf /") == nil)
	// Output:
	// true
	// false
}

func ExampleNew() {
	handler := mitm.HandlerFunc(func(w http.ResponseWriter, r *http.Request, secure bool) {
		fmt.Fprintf(w, "intercepted %s %s\n", r.Method, r.URL)
	})

	s, err := mitm.New(handler,
		mitm.CACert("ca-cert.pem", "ca-key.pem"),
		mitm.CertDir("certs"),
		mitm.Port(8080),
		mitm.OnLog(mitm.LevelInfo, mitm.LogSinkFunc(func(level mitm.Level, msg string) {
			log.Printf("[%s] %s", level, msg)
		})),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	log.Fatal(s.ListenAndServe())
}
