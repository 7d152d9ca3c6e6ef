/*
Package membership keeps cluster-mode bookkeeping in a hashicorp/raft
group formed from the deployment's node list.

Every node of a multi-node deployment is a voter. Its raft id is
"node-<ordinal>" and its address is the node's address (or name) on the
local raft port. The node at ordinal 1 bootstraps the configuration the
first time it starts; the others wait to be contacted.

The replicated state is small: the latest NodeReport of every node,
applied through JSON commands:

	report_node   record one node's run outcome
	forget_from   drop reports of ordinals removed from the deployment

Only the leader can append to the log. A follower's Report returns
ErrNotLeader and keeps the report pending; it is recorded when that node
acquires leadership. Joining or leaving beyond the static node list is not
handled here.

Log and stable stores use raft-boltdb under <data>/raft; tests run with
in-memory transports and stores.
*/
package membership
