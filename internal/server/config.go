package server

type Config struct {
	Bind    string
	Static  string
	SSLCert string
	SSLKey  string
	Proxy   bool
	PProf   bool

	// origins allowed by CORS, any when empty
	CORSOrigins []string
}
