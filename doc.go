/*
GoMesh is a distributed service-mesh backend for online games. A deployment
runs four kinds of services: agents terminate client websocket connections
and own user accounts, logic services run the live role objects, monitors
own role persistence and the shared role cache, and chat services keep
message threads.

Multiprocessing

Every service is a separate process and any number of instances of each
kind can run at once. Services find each other through service records
published in redis and talk to each other over authenticated websocket
RPC. Role state moves through three layers: the in-process cache on the
logic service, TTL-bounded snapshots in redis, and rows in mysql owned by
the monitor.

Run services

Build and run the stock binaries under components/, or manage the whole
deployment with the gomesh tool:

	gomesh build
	gomesh start
	gomesh status
	gomesh stop

Game logic is added by implementing the logic.Role interface and
registering client opcode handlers on the logic service, as the stock
logic binary does.
*/
package gomesh
