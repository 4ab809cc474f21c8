package tinystore

/*
TinyStore is an in-memory transactional element store: nodes and their properties kept as multi-version chains, read
under snapshot visibility rules and written through sessions that group commands into one transaction.

The `tinystore` module is organized into the following packages:

* `store`: the transactional store facade, its background vacuum and eviction job.
* `store/mvcc`: version slots, the slot arena, version chains and the visibility rules.
* `store/txn`: transactions, isolation levels and the transaction manager.
* `store/lock`: the session lock manager with deadlock timeouts.
* `store/eviction`: pluggable eviction policies.
* `command`: commands, events, handlers, interceptors and the processing pipeline with retries.
* `session`: nested session scopes, constraint checks and completion notifications.
* `domain`: the primitive node and property commands.
* `server` and `config`: wiring from a TOML configuration.
* `cmd/tinystore`: the command line tool.
*/
