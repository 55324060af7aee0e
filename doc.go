package tinyoltp

/*
TinyOLTP is a main-memory, multi-version OLTP storage engine with
primary/backup log replication, intended for teaching and
experimentation. It is not suitable for production use.

Transactions run under snapshot isolation over lock-free version chains,
optionally strengthened to serializability with the Serial Safety Net
certification. A primary streams its redo log to backups, which persist
and replay it under selectable policies.

The `tinyoltp` module is organized into the following packages:

* `kv/fatptr`: tagged 64-bit pointers, LSNs and XIDs.
* `kv/xid`: the recyclable transaction context table.
* `kv/readers`: the per-tuple reader registry used by SSN.
* `kv/vos`: the versioned object store (OID table and version chains).
* `kv/index`: the ordered key index mapping user keys to OIDs.
* `kv/wal`: the log manager: LSN allocation, segment files, group
  commit, checkpointing and redo.
* `kv/txn`: the transaction runtime and commit protocols.
* `kv/replication`: primary log shipping and the backup replay pipeline.
* `kv/tinyoltp-server`: the server binary, runnable as primary or backup.
*/
