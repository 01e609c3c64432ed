package main

import (
	"flag"
	"fmt"
	"strings"

	tls13 "github.com/ekr-tls/tls13client"
)

var (
	addr         string
	dontValidate bool
	alpn         string
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "host:port to connect to")
	flag.BoolVar(&dontValidate, "dontvalidate", false, "skip server certificate validation")
	flag.StringVar(&alpn, "alpn", "", "comma-separated ALPN protocols to offer")
	flag.Parse()

	c := &tls13.Config{
		PSKs: &tls13.PSKMapCache{},
	}
	if !dontValidate {
		c.AuthCertificate = func(chain []tls13.CertificateEntry) error {
			if len(chain) == 0 {
				return fmt.Errorf("empty certificate chain")
			}
			return nil
		}
	}
	if alpn != "" {
		c.NextProtos = strings.Split(alpn, ",")
	}

	conn, err := tls13.Dial("tcp", addr, c)
	if err != nil {
		fmt.Println("TLS handshake failed:", err)
		return
	}
	defer conn.Close()

	state := conn.ConnectionState()
	fmt.Printf("negotiated ciphersuite %#04x, using_psk=%v, early_data=%v\n",
		state.CipherSuite, state.UsingPSK, state.EarlyDataStatus)

	request := "GET / HTTP/1.0\r\n\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		fmt.Println("write failed:", err)
		return
	}

	response := ""
	buffer := make([]byte, 4096)
	for {
		n, err := conn.Read(buffer)
		response += string(buffer[:n])
		if err != nil {
			break
		}
	}
	fmt.Println("Received from server:")
	fmt.Println(response)
}
