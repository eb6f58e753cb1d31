// Package identity derives the stable identity of managed resources.
//
// Every container the engine creates carries labels naming its project,
// service and instance number. Those labels are the only index: containers
// are rediscovered by label predicate, never through a separate database.
// All functions are pure.
//
//	labels := identity.Labels("myapp", "web", 1)
//	name := identity.ContainerName("myapp", "web", 1) // "myapp_web_1"
package identity
