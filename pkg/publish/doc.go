/*
Package publish produces and distributes the artifacts clients download.

A Publisher turns a (channel, sponsor) campaign into a signed client build:
the embedded server list is chosen with the discovery package, encoded with
serverentry, frozen into a BuildRequest and handed to a Builder. The binary,
its signed upgrade package and the signed remote server list are uploaded
to the campaign's bucket in an ObjectStore. Campaigns without a bucket get
one allocated on first publish, along with a static download page.

Two ObjectStore implementations are provided: S3Store for production and
FileStore, which keeps buckets as local directories.

The package also renders the email autoresponder configuration and signs
per-region route files.
*/
package publish
