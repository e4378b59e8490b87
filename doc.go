/*
Package atheneum is an identity and single-sign-on gateway for campus systems.

Atheneum brings together the following pluggable components:

	Identity Providers	These answer the question "who is this browser?". Two
				variants exist: a local username/password provider, and
				a federated SAML provider that trusts a signed assertion
				from an external identity source.
	User Store		This stores principals: their identity provider, username,
				salted password hash, attribute bag and group memberships.
	Session Database	This stores browser sessions. In other words, this is
				where the cookies go.
	Application Registry	Client applications that receive delegated auth tokens,
				together with their publishable/secret key pairs.
	Token Database		Bearer tokens binding a principal to an application.
	Container Database	Hierarchical access-control scopes (courses and
				tutorials), whose membership is encoded as group strings
				on the principals.

Any of these components can be swapped out. A typical setup is Postgres for
all of the databases, with the local provider for admin-entered accounts and
the SAML provider for institutional login.

Concepts

A Group is a string token on a principal. Group strings encode container
membership ("course.csc100"), role-scoped membership
("course.csc100.tutorial.t01.student"), and global roles ("admin",
"developer").

An AuthToken is the result of a successful login on behalf of a registered
application. The browser is redirected to the application's assertion
endpoint carrying the token body, and the application exchanges it for the
principal via its secret key.
*/
package atheneum
