// Package types holds the data model shared by every coordinator
// component: agents, tasks, topology graph elements, consensus
// proposals, and RPC sessions.
package types
