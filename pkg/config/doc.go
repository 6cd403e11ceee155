/*
Package config loads the operator configuration of the psinet tools from a
YAML file.

Load starts from Default and overlays the file, so a file only needs the
values that differ:

	database:
	  path: /var/lib/psinet/psinet.db
	object_store:
	  type: s3
	  region: us-east-1
	  email_bucket: psinet-email
	providers:
	  - name: linode
	    type: exec
	    weight: 3
	    launch_command: [/usr/local/bin/linode-launch]
	    remove_command: [/usr/local/bin/linode-remove]
	    timeout: 10m

The accessor methods translate sections into the settings structs of the
transport, deploy, rotation, publish and handshake packages.
*/
package config
