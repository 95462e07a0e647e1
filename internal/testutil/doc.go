// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing model responses and conversation
// histories and when waiting for bus events. They are not intended for
// production usage.
package testutil
