// Package topo holds the switch/rule model that probing campaigns run against.
//
// The model is parsed once from the offline rule-table file produced by the
// topology generator. Switch ids and port numbers from the file are remapped
// to non-zero datapath ids (sid + 1), so a port number on a switch equals the
// datapath id of the neighbor attached to it.
package topo
