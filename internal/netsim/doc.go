// Package netsim is an in-process dataplane for probing campaigns.
//
// Every switch of a topology runs its own goroutine with a bounded inbox and
// a priority-ordered flow table. Links are implicit: output port N on a
// switch delivers to the switch whose datapath id is N, with the sender's
// datapath id as the input port. Output to the controller port becomes a
// packet-in on the configured Sink.
//
// Network implements flow.Dataplane.
package netsim
