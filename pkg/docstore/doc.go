// Package docstore connects auditd to the MongoDB document store: change streams
// on the watched collections feed the audit writer, the users collection holds
// identity profiles, and collection dumps back the daily export.
package docstore
