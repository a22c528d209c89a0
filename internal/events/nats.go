package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix 是事件主题前缀，完整主题为 <prefix>.<type>。
const DefaultSubjectPrefix = "openmcp.events"

// Publisher 是 NATS 连接的最小发布能力。
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier 把事件以 JSON 发布到 NATS。
type NATSNotifier struct {
	publisher Publisher
	prefix    string
	closer    func()
}

var _ Notifier = (*NATSNotifier)(nil)

// NewNATSNotifier 使用已有发布者创建通知器。
func NewNATSNotifier(publisher Publisher, prefix string) *NATSNotifier {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{publisher: publisher, prefix: prefix}
}

// DialNATS 连接 NATS 并返回通知器。
func DialNATS(url, prefix string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("openmcpd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	n := NewNATSNotifier(nc, prefix)
	n.closer = nc.Close
	return n, nil
}

// Name 实现 Notifier。
func (n *NATSNotifier) Name() string { return "nats" }

// Subject 返回事件对应的主题。
func (n *NATSNotifier) Subject(t Type) string {
	return n.prefix + "." + string(t)
}

// Notify 发布事件。
func (n *NATSNotifier) Notify(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	subject := n.Subject(event.Type)
	if err := n.publisher.Publish(subject, data); err != nil {
		return fmt.Errorf("发布事件到 %s 失败: %w", subject, err)
	}
	return nil
}

// Close 关闭底层连接。
func (n *NATSNotifier) Close() {
	if n != nil && n.closer != nil {
		n.closer()
	}
}
