package mqtt

import "fmt"

// Subscribe registers handler for the topic filter, which may contain the
// + and # wildcards. The subscription is restored after a reconnection.
//
//	err := client.Subscribe(mqtt.Topics{}.AllVASets("back1"), 1,
//	    func(topic string, payload []byte) error {
//	        _, comp, name, _ := mqtt.Topics{}.ParseVATopic(topic)
//	        return write(comp, name, payload)
//	    })
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: %s without handler", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Tracked first, so that a reconnection during the request restores it.
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	if err := await(c.paho.Subscribe(topic, qos, c.deliver(handler)), ackTimeout, ErrSubscribeFailed); err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops the subscription of a topic filter given to Subscribe.
// Messages already in flight may still be delivered.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	return await(c.paho.Unsubscribe(topic), ackTimeout, ErrUnsubscribeFailed)
}
