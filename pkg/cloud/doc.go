// Package cloud is the thin HTTP layer over the compute and load-balancer
// APIs. Endpoints are resolved from the identity service catalog per call;
// the client adds auth headers, enforces expected status codes, and decodes
// the handful of response fields the worker reads. All policy about
// retrying, polling and undo lives in pkg/worker, not here.
package cloud
