// Package archive persists unified ticker and trade records to PostgreSQL
// in batches. It sits behind the router's record sink so the request path
// never blocks on the database.
package archive
