/*
Package rabbitmq provides a RabbitMQ transport for the service bus.
It maps publish/send to routing keys on a topic exchange, binds exclusive queues for
subscriptions, includes an auto-reconnect connection, and supports optional header
propagation via a bus.HeaderPropagator.
*/
package rabbitmq
