// Package pve provides a minimal client for the Proxmox Virtual Environment API.
//
// The client performs the ticket login of the API2 JSON interface and then
// issues authenticated requests carrying the PVEAuthCookie cookie. It is not a
// typed SDK: payloads are returned as the decoded "data" member of each body.
//
// # Usage
//
//	logger := zerolog.New(os.Stderr)
//	client, err := pve.NewClient(pve.Config{
//		Host:     "https://pve.example.com",
//		Port:     8006,
//		Realm:    "pam",
//		Username: "root",
//		Password: "secret",
//	}, logger, pve.WithTimeout(10*time.Second))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx := context.Background()
//	if _, err := client.Login(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	resp, err := client.Get(ctx, "/api2/json/nodes", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(resp.StatusCode, resp.Data)
//
// # Sessions
//
// A Client holds at most one Session. A successful Login replaces it, a failed
// Login clears it. Sessions live in memory only.
//
// # Error Handling
//
// Login reports failures as errors:
//
//   - ErrTransport: no HTTP response was received
//   - *APIError matching ErrUnauthorized: the server answered 401
//   - *APIError matching ErrUnexpectedStatus: any other non-200 status
//   - ErrInvalidResponse: a 200 without a usable ticket
//
// Get and Post return a Response for every HTTP exchange, whatever its status,
// and Response.Err classifies it with the same *APIError: 401 matches
// ErrUnauthorized, other error statuses match ErrUnexpectedStatus. When the
// transport fails they return a Response with status 500 and no data,
// together with an ErrTransport error.
package pve
